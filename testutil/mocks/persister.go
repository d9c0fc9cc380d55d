package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/personaflow/task"
)

// MockPersister implements task.Persister in memory with error injection.
type MockPersister struct {
	mu sync.Mutex

	tasks map[int64]*task.Task
	audit []task.AuditRecord

	saveErr   error
	appendErr error
}

// NewMockPersister returns an empty persister.
func NewMockPersister() *MockPersister {
	return &MockPersister{tasks: make(map[int64]*task.Task)}
}

// WithSaveError makes SaveTask fail with err.
func (m *MockPersister) WithSaveError(err error) *MockPersister {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
	return m
}

// WithAppendError makes AppendAudit fail with err.
func (m *MockPersister) WithAppendError(err error) *MockPersister {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
	return m
}

// SaveTask stores a copy of t.
func (m *MockPersister) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// AppendAudit stores rec.
func (m *MockPersister) AppendAudit(_ context.Context, rec task.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.audit = append(m.audit, rec)
	return nil
}

// Task returns the last saved copy of task id.
func (m *MockPersister) Task(id int64) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t.Clone(), ok
}

// TaskCount returns the number of distinct tasks saved.
func (m *MockPersister) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Audit returns a copy of the appended records.
func (m *MockPersister) Audit() []task.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.AuditRecord(nil), m.audit...)
}
