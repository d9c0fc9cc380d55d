package task

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/types"
)

// Persister receives every task change synchronously after it is applied.
// Errors are logged and counted; they never undo the in-memory change.
type Persister interface {
	SaveTask(ctx context.Context, t *Task) error
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

// Observer is notified of transitions and persistence failures.
type Observer interface {
	ObserveTransition(from, to string)
	ObservePersistFailure(op string)
}

// Snapshot is an immutable view of every task, published after each change.
// Tasks in a snapshot must not be modified.
type Snapshot struct {
	Version uint64
	TakenAt time.Time
	Tasks   []*Task
}

// Registry owns all tasks. Writes are serialized by one mutex; readers that
// can tolerate a view at most one change old use Snapshot, which never blocks.
type Registry struct {
	mu       sync.Mutex
	nextID   int64
	seq      int64
	tasks    map[int64]*Task
	order    []int64
	frozen   []*Task
	position map[int64]int
	audit    []AuditRecord

	snapshot atomic.Pointer[Snapshot]
	version  uint64

	persister Persister
	observer  Observer
	now       func() time.Time
	logger    *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithPersister stores every change through p.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithFirstID makes the first created task get id+1, so ids stay unique in
// a store that outlives the process.
func WithFirstID(id int64) Option {
	return func(r *Registry) {
		if id > 0 {
			r.nextID = id
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tasks:    make(map[int64]*Task),
		position: make(map[int64]int),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "task_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snapshot.Store(&Snapshot{TakenAt: r.now()})
	return r
}

// Create adds one task.
func (r *Registry) Create(ctx context.Context, spec CreateSpec) (*Task, error) {
	spec.After = nil
	created, err := r.CreateBatch(ctx, []CreateSpec{spec})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// CreateBatch adds several tasks at once. Either every task is created or,
// on error, the registry is left exactly as it was.
func (r *Registry) CreateBatch(ctx context.Context, specs []CreateSpec) ([]*Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateBatch(specs); err != nil {
		return nil, err
	}

	now := r.now()
	ids := make([]int64, len(specs))
	for i := range specs {
		ids[i] = r.nextID + int64(i) + 1
	}
	r.nextID += int64(len(specs))

	batch := make([]*Task, len(specs))
	for i, spec := range specs {
		deps := make([]int64, 0, len(spec.Dependencies)+len(spec.After))
		seen := make(map[int64]bool)
		for _, d := range spec.Dependencies {
			if !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		for _, a := range spec.After {
			if d := ids[a]; !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		t := &Task{
			ID:             ids[i],
			RequestID:      spec.RequestID,
			Description:    spec.Description,
			AssignedWorker: spec.Worker,
			Status:         StatusPending,
			Dependencies:   deps,
			Priority:       spec.Priority,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.tasks[t.ID] = t
		r.position[t.ID] = len(r.order)
		r.order = append(r.order, t.ID)
		r.frozen = append(r.frozen, nil)
		batch[i] = t
		r.recordLocked(ctx, t, "", StatusPending, "created")
	}

	for _, t := range batch {
		if !r.depsCompletedLocked(t) {
			r.applyLocked(ctx, t, StatusBlocked, nil, nil, "waiting on dependencies")
		}
	}
	r.publishLocked()

	out := make([]*Task, len(batch))
	for i, t := range batch {
		out[i] = t.Clone()
		r.logger.Debug("task created",
			zap.Int64("task_id", t.ID),
			zap.String("request_id", t.RequestID),
			zap.String("worker", t.AssignedWorker),
			zap.Int64s("dependencies", t.Dependencies),
		)
	}
	return out, nil
}

// validateBatch rejects unknown dependencies and cycles before anything is
// applied.
func (r *Registry) validateBatch(specs []CreateSpec) error {
	for i, spec := range specs {
		for _, d := range spec.Dependencies {
			if _, ok := r.tasks[d]; !ok {
				return types.Errorf(types.ErrCodeInvalidTaskGraph, "task %d of batch depends on unknown task %d", i, d)
			}
		}
		for _, a := range spec.After {
			if a < 0 || a >= len(specs) {
				return types.Errorf(types.ErrCodeInvalidTaskGraph, "task %d of batch depends on unknown batch entry %d", i, a)
			}
		}
	}

	// Existing tasks cannot depend on new ones, so a cycle can only run
	// through batch entries: check reachability among them.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(specs))
	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = visiting
		for _, a := range specs[i].After {
			switch state[a] {
			case visiting:
				return false
			case unvisited:
				if !visit(a) {
					return false
				}
			}
		}
		state[i] = done
		return true
	}
	for i := range specs {
		if state[i] == unvisited && !visit(i) {
			return types.Errorf(types.ErrCodeInvalidTaskGraph, "dependency cycle through batch entry %d", i)
		}
	}
	return nil
}

// Transition moves task id to a new status.
func (r *Registry) Transition(ctx context.Context, id int64, to Status, result *Result, failure *Failure) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, types.Errorf(types.ErrCodeTaskNotFound, "task %d not found", id)
	}
	if err := r.checkLocked(t, to, failure); err != nil {
		return nil, err
	}
	r.applyLocked(ctx, t, to, result, failure, reasonFor(to, failure))
	r.publishLocked()
	return t.Clone(), nil
}

func (r *Registry) checkLocked(t *Task, to Status, failure *Failure) error {
	if !CanTransition(t.Status, to, failure) {
		return types.Errorf(types.ErrCodeIllegalTransition, "task %d: %s -> %s", t.ID, t.Status, to)
	}
	if to == StatusInProgress && !r.depsCompletedLocked(t) {
		return types.Errorf(types.ErrCodeIllegalTransition, "task %d: dependencies not completed", t.ID)
	}
	return nil
}

func reasonFor(to Status, failure *Failure) string {
	switch {
	case failure != nil:
		return string(failure.Category) + ": " + failure.Message
	case to == StatusInProgress:
		return "claimed"
	default:
		return string(to)
	}
}

// Ready fails every waiting task that has a failed dependency, cascading, and
// returns the waiting tasks whose dependencies all completed, ordered by
// priority (high first), then creation time, then id.
func (r *Registry) Ready(ctx context.Context) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := r.readyLocked(ctx, "")
	r.publishLocked()

	out := make([]*Task, len(ready))
	for i, t := range ready {
		out[i] = t.Clone()
	}
	return out
}

// ClaimReady moves up to limit ready tasks of requestID (any request when
// empty) to in_progress in one atomic step and returns them.
func (r *Registry) ClaimReady(ctx context.Context, requestID string, limit int) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := r.readyLocked(ctx, requestID)
	if limit >= 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*Task, 0, len(ready))
	for _, t := range ready {
		r.applyLocked(ctx, t, StatusInProgress, nil, nil, "claimed")
		out = append(out, t.Clone())
	}
	r.publishLocked()
	return out
}

func (r *Registry) readyLocked(ctx context.Context, requestID string) []*Task {
	r.propagateFailuresLocked(ctx)

	var ready []*Task
	for _, id := range r.order {
		t := r.tasks[id]
		if requestID != "" && t.RequestID != requestID {
			continue
		}
		if (t.Status == StatusPending || t.Status == StatusBlocked) && r.depsCompletedLocked(t) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ready
}

// propagateFailuresLocked runs to a fixpoint so failure reaches every
// transitive dependent.
func (r *Registry) propagateFailuresLocked(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for _, id := range r.order {
			t := r.tasks[id]
			if t.Status != StatusPending && t.Status != StatusBlocked {
				continue
			}
			for _, d := range t.Dependencies {
				if r.tasks[d].Status == StatusFailed {
					failure := &Failure{Category: FailureUpstreamFailed, Message: UpstreamFailedMessage}
					r.applyLocked(ctx, t, StatusFailed, nil, failure, reasonFor(StatusFailed, failure))
					changed = true
					break
				}
			}
		}
	}
}

// RejectPending fails every waiting task of requestID with failure, which
// must carry a rejection category.
func (r *Registry) RejectPending(ctx context.Context, requestID string, failure Failure) ([]*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Task
	for _, id := range r.order {
		t := r.tasks[id]
		if t.RequestID != requestID || (t.Status != StatusPending && t.Status != StatusBlocked) {
			continue
		}
		f := failure
		if err := r.checkLocked(t, StatusFailed, &f); err != nil {
			return out, err
		}
		r.applyLocked(ctx, t, StatusFailed, nil, &f, reasonFor(StatusFailed, &f))
		out = append(out, t.Clone())
	}
	r.publishLocked()
	return out, nil
}

func (r *Registry) depsCompletedLocked(t *Task) bool {
	for _, d := range t.Dependencies {
		if r.tasks[d].Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (r *Registry) applyLocked(ctx context.Context, t *Task, to Status, result *Result, failure *Failure, reason string) {
	from := t.Status
	now := r.now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusInProgress:
		t.StartedAt = now
	case StatusCompleted, StatusFailed:
		t.FinishedAt = now
	}
	if result != nil {
		t.Result = result.clone()
	}
	if failure != nil {
		f := *failure
		t.Error = &f
	} else if to == StatusFailed {
		t.Error = &Failure{Category: FailureInternalError, Message: "failed"}
	}
	r.recordLocked(ctx, t, from, to, reason)
}

// recordLocked appends the audit record, refreshes the frozen copy and
// persists both.
func (r *Registry) recordLocked(ctx context.Context, t *Task, from, to Status, reason string) {
	r.seq++
	rec := AuditRecord{Seq: r.seq, TaskID: t.ID, From: from, To: to, At: t.UpdatedAt, Reason: reason}
	r.audit = append(r.audit, rec)
	r.frozen[r.position[t.ID]] = t.Clone()

	if r.observer != nil {
		r.observer.ObserveTransition(string(from), string(to))
	}
	r.logger.Debug("task transition",
		zap.Int64("task_id", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)

	if r.persister == nil {
		return
	}
	if err := r.persister.SaveTask(ctx, t.Clone()); err != nil {
		r.persistFailed("save_task", t.ID, err)
	}
	if err := r.persister.AppendAudit(ctx, rec); err != nil {
		r.persistFailed("append_audit", t.ID, err)
	}
}

func (r *Registry) persistFailed(op string, id int64, err error) {
	r.logger.Warn("persistence failed",
		zap.String("op", op),
		zap.Int64("task_id", id),
		zap.Error(err),
	)
	if r.observer != nil {
		r.observer.ObservePersistFailure(op)
	}
}

func (r *Registry) publishLocked() {
	r.version++
	tasks := make([]*Task, len(r.frozen))
	copy(tasks, r.frozen)
	r.snapshot.Store(&Snapshot{Version: r.version, TakenAt: r.now(), Tasks: tasks})
}

// Snapshot returns the latest published view without taking the lock.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Get returns a copy of task id.
func (r *Registry) Get(id int64) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, types.Errorf(types.ErrCodeTaskNotFound, "task %d not found", id)
	}
	return t.Clone(), nil
}

// List returns copies of the tasks of requestID in creation order, or every
// task when requestID is empty.
func (r *Registry) List(requestID string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Task
	for _, id := range r.order {
		t := r.tasks[id]
		if requestID == "" || t.RequestID == requestID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Audit returns the audit trail of task id, or of every task when id is 0.
func (r *Registry) Audit(id int64) []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []AuditRecord
	for _, rec := range r.audit {
		if id == 0 || rec.TaskID == id {
			out = append(out, rec)
		}
	}
	return out
}
