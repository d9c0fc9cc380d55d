package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across personaflow.
type ErrorCode string

// Orchestration error codes
const (
	ErrCodeInvalidTaskGraph  ErrorCode = "INVALID_TASK_GRAPH"
	ErrCodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeTaskNotFound      ErrorCode = "TASK_NOT_FOUND"
	ErrCodeUnknownWorker     ErrorCode = "UNKNOWN_WORKER"
	ErrCodeWorkerUnreachable ErrorCode = "WORKER_UNREACHABLE"
)

// Sandbox error codes
const (
	ErrCodeSandboxTimeout            ErrorCode = "SANDBOX_TIMEOUT"
	ErrCodeSandboxResourceExceeded   ErrorCode = "SANDBOX_RESOURCE_EXCEEDED"
	ErrCodeSandboxBackendUnavailable ErrorCode = "SANDBOX_BACKEND_UNAVAILABLE"
	ErrCodePathDenied                ErrorCode = "PATH_DENIED"
)

// Generic error codes
const (
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
)

// Sentinel errors, comparable with errors.Is against any *Error carrying the same code.
var (
	ErrInvalidTaskGraph          = NewError(ErrCodeInvalidTaskGraph, "invalid task graph")
	ErrIllegalTransition         = NewError(ErrCodeIllegalTransition, "illegal transition")
	ErrTaskNotFound              = NewError(ErrCodeTaskNotFound, "task not found")
	ErrUnknownWorker             = NewError(ErrCodeUnknownWorker, "unknown worker")
	ErrWorkerUnreachable         = NewError(ErrCodeWorkerUnreachable, "worker unreachable").WithRetryable(true)
	ErrSandboxTimeout            = NewError(ErrCodeSandboxTimeout, "sandbox execution timed out")
	ErrSandboxResourceExceeded   = NewError(ErrCodeSandboxResourceExceeded, "sandbox resource limit exceeded")
	ErrSandboxBackendUnavailable = NewError(ErrCodeSandboxBackendUnavailable, "sandbox backend unavailable")
	ErrPathDenied                = NewError(ErrCodePathDenied, "path outside workspace")
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error whose message is built from a format string.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause returns a copy of the error carrying cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithRetryable returns a copy of the error with the retryable flag set.
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
