package task

import (
	"time"

	"github.com/BaSui01/personaflow/sandbox"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// FailureCategory explains why a task failed.
type FailureCategory string

const (
	FailureUnknownWorker      FailureCategory = "unknown_worker"
	FailureWorkerUnreachable  FailureCategory = "worker_unreachable"
	FailureUpstreamFailed     FailureCategory = "upstream_failed"
	FailureCancelled          FailureCategory = "cancelled"
	FailureTimeout            FailureCategory = "timeout"
	FailureNonzeroExit        FailureCategory = "nonzero_exit"
	FailureResourceExceeded   FailureCategory = "resource_exceeded"
	FailureBackendUnavailable FailureCategory = "backend_unavailable"
	FailureInternalError      FailureCategory = "internal_error"
)

// FailureFromSandbox maps an execution category to a task failure category.
func FailureFromSandbox(c sandbox.FailureCategory) FailureCategory {
	switch c {
	case sandbox.CategoryTimeout:
		return FailureTimeout
	case sandbox.CategoryNonzeroExit:
		return FailureNonzeroExit
	case sandbox.CategoryResourceExceeded:
		return FailureResourceExceeded
	case sandbox.CategoryBackendUnavailable:
		return FailureBackendUnavailable
	default:
		return FailureInternalError
	}
}

// UpstreamFailedMessage is the error recorded on tasks failed by propagation.
const UpstreamFailedMessage = "upstream dependency failed"

// Failure is the error attached to a failed task.
type Failure struct {
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
}

// Result is what a completed (or code-failed) task produced.
type Result struct {
	Text      string                   `json:"text"`
	Language  string                   `json:"language,omitempty"`
	Execution *sandbox.ExecutionResult `json:"execution,omitempty"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Execution != nil {
		exec := r.Execution.Clone()
		cp.Execution = &exec
	}
	return &cp
}

// Task is one unit of delegated work.
type Task struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	Description    string    `json:"description"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
	Status         Status    `json:"status"`
	Dependencies   []int64   `json:"dependencies,omitempty"`
	Priority       int       `json:"priority"`
	Result         *Result   `json:"result,omitempty"`
	Error          *Failure  `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]int64(nil), t.Dependencies...)
	}
	cp.Result = t.Result.clone()
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}

// AuditRecord is appended for every state change, including creation.
type AuditRecord struct {
	Seq    int64     `json:"seq"`
	TaskID int64     `json:"task_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// CreateSpec describes a task to create. Dependencies name existing tasks;
// After names other entries of the same batch by index.
type CreateSpec struct {
	RequestID    string
	Description  string
	Worker       string
	Dependencies []int64
	After        []int
	Priority     int
}
