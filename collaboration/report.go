package collaboration

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/personaflow/sandbox"
	"github.com/BaSui01/personaflow/task"
)

// RequestState is the lifecycle of one request through the engine.
type RequestState string

const (
	StateReceived        RequestState = "received"
	StatePlanning        RequestState = "planning"
	StateDispatching     RequestState = "dispatching"
	StateAwaitingResults RequestState = "awaiting_results"
	StateAggregated      RequestState = "aggregated"
	StatePartiallyFailed RequestState = "partially_failed"
)

// Entry is one task's line in a report.
type Entry struct {
	TaskID      int64                    `json:"task_id"`
	Worker      string                   `json:"worker"`
	Description string                   `json:"description"`
	Status      task.Status              `json:"status"`
	Result      string                   `json:"result,omitempty"`
	Execution   *sandbox.ExecutionResult `json:"execution,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Category    task.FailureCategory     `json:"category,omitempty"`
}

// Report is the aggregated outcome of a request, in assignment order.
type Report struct {
	RequestID  string       `json:"request_id"`
	Request    string       `json:"request"`
	State      RequestState `json:"state"`
	Direct     bool         `json:"direct"`
	Entries    []Entry      `json:"entries"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Failed counts the failed entries.
func (r *Report) Failed() int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == task.StatusFailed {
			n++
		}
	}
	return n
}

// Duration is the wall time the request took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Text renders the report for terminals and logs.
func (r *Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request %s: %s (%d task(s), %d failed, %s)\n",
		r.RequestID, r.State, len(r.Entries), r.Failed(), r.Duration().Round(time.Millisecond))
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "\n#%d [%s] %s: %s\n", e.TaskID, e.Worker, e.Status, e.Description)
		if e.Result != "" {
			b.WriteString(strings.TrimSpace(e.Result))
			b.WriteString("\n")
		}
		if x := e.Execution; x != nil {
			fmt.Fprintf(&b, "-- execution on %s: %s", x.Backend, x.FailureCategory)
			if x.ReducedIsolation {
				b.WriteString(" (reduced isolation)")
			}
			b.WriteString("\n")
			if x.Stdout != "" {
				fmt.Fprintf(&b, "stdout:\n%s\n", strings.TrimRight(x.Stdout, "\n"))
			}
			if x.Stderr != "" {
				fmt.Fprintf(&b, "stderr:\n%s\n", strings.TrimRight(x.Stderr, "\n"))
			}
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "error (%s): %s\n", e.Category, e.Error)
		}
	}
	return b.String()
}

func entryFromTask(t *task.Task) Entry {
	e := Entry{
		TaskID:      t.ID,
		Worker:      t.AssignedWorker,
		Description: t.Description,
		Status:      t.Status,
	}
	if t.Result != nil {
		e.Result = t.Result.Text
		e.Execution = t.Result.Execution
	}
	if t.Error != nil {
		e.Error = t.Error.Message
		e.Category = t.Error.Category
	}
	return e
}

// buildReport orders entries by task id, which is assignment order.
func buildReport(requestID, request string, direct bool, tasks []*task.Task, started, finished time.Time) *Report {
	r := &Report{
		RequestID:  requestID,
		Request:    request,
		Direct:     direct,
		StartedAt:  started,
		FinishedAt: finished,
		State:      StateAggregated,
	}
	for _, t := range tasks {
		r.Entries = append(r.Entries, entryFromTask(t))
	}
	if r.Failed() > 0 {
		r.State = StatePartiallyFailed
	}
	return r
}
