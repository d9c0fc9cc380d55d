package sandbox

import "strings"

// CodeValidator flags risky constructs in generated code. Its findings are
// advisory; isolation is enforced by the backend, not by pattern matching.
type CodeValidator struct {
	patterns map[Language][]string
}

// NewCodeValidator creates a validator with the built-in pattern set.
func NewCodeValidator() *CodeValidator {
	return &CodeValidator{
		patterns: map[Language][]string{
			LangPython: {
				"os.system", "os.popen", "os.exec", "os.fork",
				"import subprocess", "from subprocess",
				"__import__", "eval(", "exec(",
				"shutil.rmtree",
				"import socket", "import ctypes",
				"pickle.load", "marshal.load",
				"__subclasses__", "__builtins__",
			},
			LangJavaScript: {
				"require('child_process')", "require(\"child_process\")",
				"import child_process",
				"process.kill",
				"eval(", "new Function",
				"require('net')", "require(\"net\")",
				"constructor.constructor", "__proto__",
			},
			LangBash: {
				"rm -rf /", "rm -fr /", "mkfs", "dd if=",
				"> /dev/sd", ">/dev/sd",
				"curl ", "wget ", "nc ", "netcat",
				"sudo ", "chmod 777",
				"shutdown", "reboot",
				":(){", "/etc/shadow", "~/.ssh",
			},
		},
	}
}

// Validate returns one warning per pattern found in code.
func (v *CodeValidator) Validate(lang Language, code string) []string {
	var warnings []string
	for _, pattern := range v.patterns[lang] {
		if strings.Contains(code, pattern) {
			warnings = append(warnings, "potentially dangerous pattern: "+pattern)
		}
	}
	return warnings
}
