package collaboration

import (
	"strings"

	"github.com/BaSui01/personaflow/sandbox"
)

// CodeBlock is a fenced block of runnable code found in a worker response.
type CodeBlock struct {
	Language sandbox.Language
	Info     string
	Source   string
}

// ExtractCode returns the first fenced block whose info string names a
// supported language. Blocks without a recognized tag are skipped.
func ExtractCode(text string) (CodeBlock, bool) {
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		marker, n, info := openingFence(lines[i])
		if n == 0 {
			continue
		}
		var body []string
		j := i + 1
		for ; j < len(lines); j++ {
			if isClosingFence(lines[j], marker, n) {
				break
			}
			body = append(body, strings.TrimSuffix(lines[j], "\r"))
		}
		if lang, ok := languageOf(info); ok && j < len(lines) {
			src := strings.Join(body, "\n")
			if strings.TrimSpace(src) != "" {
				return CodeBlock{Language: lang, Info: info, Source: src + "\n"}, true
			}
		}
		i = j
	}
	return CodeBlock{}, false
}

func languageOf(info string) (sandbox.Language, bool) {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return "", false
	}
	return sandbox.ParseLanguage(strings.Trim(fields[0], "{}."))
}

func openingFence(line string) (byte, int, string) {
	line = strings.TrimSuffix(line, "\r")
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || trimmed == "" {
		return 0, 0, ""
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return 0, 0, ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 {
		return 0, 0, ""
	}
	return c, n, strings.TrimSpace(trimmed[n:])
}

func isClosingFence(line string, marker byte, n int) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < n {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != marker {
			return false
		}
	}
	return true
}
