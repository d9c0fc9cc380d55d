package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/personaflow/task"
)

// MemoryTaskStore keeps everything in process memory.
type MemoryTaskStore struct {
	mu     sync.RWMutex
	tasks  map[int64]*task.Task
	audit  map[int64][]task.AuditRecord
	lastID int64
	closed bool
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[int64]*task.Task),
		audit: make(map[int64][]task.AuditRecord),
	}
}

func (s *MemoryTaskStore) SaveTask(_ context.Context, t *task.Task) error {
	if t == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.tasks[t.ID] = t.Clone()
	if t.ID > s.lastID {
		s.lastID = t.ID
	}
	return nil
}

func (s *MemoryTaskStore) AppendAudit(_ context.Context, rec task.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.audit[rec.TaskID] = append(s.audit[rec.TaskID], rec)
	return nil
}

func (s *MemoryTaskStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryTaskStore) ListTasks(_ context.Context, filter TaskFilter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	all := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t.Clone())
	}
	return filter.apply(all), nil
}

func (s *MemoryTaskStore) ListAudit(_ context.Context, taskID int64) ([]task.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return append([]task.AuditRecord(nil), s.audit[taskID]...), nil
}

func (s *MemoryTaskStore) LastTaskID(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID, nil
}

func (s *MemoryTaskStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
