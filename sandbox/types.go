package sandbox

import (
	"strings"
	"time"
)

// Language identifies the interpreter a request runs under.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangBash       Language = "bash"
)

// SupportedLanguages lists every language a backend can run.
var SupportedLanguages = []Language{LangPython, LangJavaScript, LangBash}

// ParseLanguage maps a fence info string or CLI flag to a Language.
func ParseLanguage(s string) (Language, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py", "python3":
		return LangPython, true
	case "javascript", "js", "node", "nodejs":
		return LangJavaScript, true
	case "bash", "sh", "shell":
		return LangBash, true
	default:
		return "", false
	}
}

// FileName is the name the source is written under inside the workspace.
func (l Language) FileName() string {
	switch l {
	case LangPython:
		return "main.py"
	case LangJavaScript:
		return "main.js"
	case LangBash:
		return "main.sh"
	default:
		return "main.txt"
	}
}

// FilesystemMode controls the container root filesystem.
type FilesystemMode string

const (
	FilesystemReadOnlyRoot FilesystemMode = "read-only-root"
	FilesystemWritableRoot FilesystemMode = "writable-root"
)

// FailureCategory classifies how an execution ended.
type FailureCategory string

const (
	CategoryNone               FailureCategory = "none"
	CategoryTimeout            FailureCategory = "timeout"
	CategoryNonzeroExit        FailureCategory = "nonzero_exit"
	CategoryResourceExceeded   FailureCategory = "resource_exceeded"
	CategoryBackendUnavailable FailureCategory = "backend_unavailable"
	CategoryInternalError      FailureCategory = "internal_error"
)

// ExecutionRequest describes one piece of untrusted code to run.
type ExecutionRequest struct {
	ID               string         `json:"id,omitempty"`
	Source           string         `json:"source"`
	Language         Language       `json:"language"`
	TimeoutSeconds   float64        `json:"timeout_seconds,omitempty"`
	MemoryLimitBytes int64          `json:"memory_limit_bytes,omitempty"`
	CPUQuotaFraction float64        `json:"cpu_quota_fraction,omitempty"`
	NetworkEnabled   bool           `json:"network_enabled"`
	FilesystemMode   FilesystemMode `json:"filesystem_mode,omitempty"`
}

// Timeout returns the request timeout as a duration.
func (r ExecutionRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// ExecutionResult is the outcome of one execution. Results are values; a
// caller holding one never observes later changes.
type ExecutionResult struct {
	ID               string          `json:"id,omitempty"`
	Success          bool            `json:"success"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	ExitCode         *int            `json:"exit_code"`
	ElapsedSeconds   float64         `json:"elapsed_seconds"`
	FailureCategory  FailureCategory `json:"failure_category"`
	Backend          string          `json:"backend"`
	ReducedIsolation bool            `json:"reduced_isolation,omitempty"`
	Truncated        bool            `json:"truncated,omitempty"`
	Error            string          `json:"error,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
}

// Clone returns a deep copy.
func (r ExecutionResult) Clone() ExecutionResult {
	cp := r
	if r.ExitCode != nil {
		code := *r.ExitCode
		cp.ExitCode = &code
	}
	if r.Warnings != nil {
		cp.Warnings = append([]string(nil), r.Warnings...)
	}
	return cp
}

// Mode selects how the sandbox picks its backend.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeContainer Mode = "container"
	ModeProcess   Mode = "process"
)

// Config configures a Sandbox. Zero request fields fall back to these defaults.
type Config struct {
	Mode             Mode
	Runtime          string
	Images           map[Language]string
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MemoryLimitBytes int64
	CPUQuotaFraction float64
	NetworkEnabled   bool
	MaxOutputBytes   int
	WorkspaceRoot    string
	PidsLimit        int
	TmpfsSize        string
	User             string
	KillGrace        time.Duration
	ProbeTimeout     time.Duration
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeAuto,
		Runtime:          "docker",
		Images:           DefaultImages(),
		DefaultTimeout:   30 * time.Second,
		MaxTimeout:       10 * time.Minute,
		MemoryLimitBytes: 256 << 20,
		CPUQuotaFraction: 0.5,
		MaxOutputBytes:   1 << 20,
		PidsLimit:        64,
		TmpfsSize:        "64m",
		User:             "65534:65534",
		KillGrace:        250 * time.Millisecond,
		ProbeTimeout:     5 * time.Second,
	}
}

// DefaultImages returns the container image per language.
func DefaultImages() map[Language]string {
	return map[Language]string{
		LangPython:     "python:3.12-slim",
		LangJavaScript: "node:20-slim",
		LangBash:       "bash:5.2",
	}
}

// ExecutorStats holds execution counters.
type ExecutorStats struct {
	TotalExecutions   int64         `json:"total_executions"`
	SuccessExecutions int64         `json:"success_executions"`
	FailedExecutions  int64         `json:"failed_executions"`
	TimeoutExecutions int64         `json:"timeout_executions"`
	Fallbacks         int64         `json:"fallbacks"`
	TotalDuration     time.Duration `json:"total_duration"`
}

func intPtr(v int) *int { return &v }
