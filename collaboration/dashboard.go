package collaboration

import (
	"time"

	"github.com/BaSui01/personaflow/task"
)

// TaskView is the dashboard projection of one task.
type TaskView struct {
	TaskID      int64                `json:"task_id"`
	RequestID   string               `json:"request_id"`
	Worker      string               `json:"worker"`
	Description string               `json:"description"`
	Status      task.Status          `json:"status"`
	Elapsed     time.Duration        `json:"elapsed"`
	Progress    int                  `json:"progress"`
	Category    task.FailureCategory `json:"category,omitempty"`
}

// DashboardSnapshot is a read-only view of every task.
type DashboardSnapshot struct {
	Version uint64     `json:"version"`
	TakenAt time.Time  `json:"taken_at"`
	Tasks   []TaskView `json:"tasks"`
}

// Dashboard projects registry snapshots for display. It never takes the
// registry lock, so a view may trail the registry by one change.
type Dashboard struct {
	registry *task.Registry
	timeout  time.Duration
	now      func() time.Time
}

// NewDashboard creates a dashboard; timeout is the expected task duration
// used to estimate progress.
func NewDashboard(registry *task.Registry, timeout time.Duration) *Dashboard {
	return &Dashboard{registry: registry, timeout: timeout, now: time.Now}
}

// Snapshot returns the tasks of requestID, or every task when empty.
func (d *Dashboard) Snapshot(requestID string) DashboardSnapshot {
	snap := d.registry.Snapshot()
	now := d.now()
	out := DashboardSnapshot{Version: snap.Version, TakenAt: snap.TakenAt}
	for _, t := range snap.Tasks {
		if requestID != "" && t.RequestID != requestID {
			continue
		}
		out.Tasks = append(out.Tasks, view(t, now, d.timeout))
	}
	return out
}

func view(t *task.Task, now time.Time, timeout time.Duration) TaskView {
	v := TaskView{
		TaskID:      t.ID,
		RequestID:   t.RequestID,
		Worker:      t.AssignedWorker,
		Description: t.Description,
		Status:      t.Status,
	}
	if t.Error != nil {
		v.Category = t.Error.Category
	}
	switch {
	case t.Status == task.StatusInProgress:
		v.Elapsed = now.Sub(t.StartedAt)
	case t.Status.IsTerminal() && !t.StartedAt.IsZero():
		v.Elapsed = t.FinishedAt.Sub(t.StartedAt)
	}
	v.Progress = Progress(t.Status, v.Elapsed, timeout)
	return v
}

// Progress is min(99, elapsed/timeout*100) while in progress, 100 once
// terminal and 0 otherwise.
func Progress(status task.Status, elapsed, timeout time.Duration) int {
	switch {
	case status.IsTerminal():
		return 100
	case status != task.StatusInProgress:
		return 0
	case timeout <= 0:
		return 99
	}
	p := int(elapsed * 100 / timeout)
	if p > 99 {
		return 99
	}
	if p < 0 {
		return 0
	}
	return p
}
