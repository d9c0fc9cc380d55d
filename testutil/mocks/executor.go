package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/personaflow/sandbox"
)

// MockExecutor implements the engine's code executor. It answers with
// scripted results in order and repeats the last one once they run out.
type MockExecutor struct {
	mu       sync.Mutex
	results  []sandbox.ExecutionResult
	requests []sandbox.ExecutionRequest
}

// NewMockExecutor returns an executor answering a successful empty run.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// WithResult queues a scripted result.
func (m *MockExecutor) WithResult(r sandbox.ExecutionResult) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return m
}

// WithStdout queues a successful run printing stdout.
func (m *MockExecutor) WithStdout(stdout string) *MockExecutor {
	code := 0
	return m.WithResult(sandbox.ExecutionResult{
		Success:         true,
		Stdout:          stdout,
		ExitCode:        &code,
		FailureCategory: sandbox.CategoryNone,
		Backend:         "mock",
	})
}

// WithFailure queues a failed run.
func (m *MockExecutor) WithFailure(category sandbox.FailureCategory, message string) *MockExecutor {
	return m.WithResult(sandbox.ExecutionResult{
		FailureCategory: category,
		Error:           message,
		Backend:         "mock",
	})
}

// Execute records req and returns the next scripted result with req's ID.
func (m *MockExecutor) Execute(_ context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	var out sandbox.ExecutionResult
	switch n := len(m.results); {
	case n == 0:
		code := 0
		out = sandbox.ExecutionResult{Success: true, ExitCode: &code, FailureCategory: sandbox.CategoryNone, Backend: "mock"}
	case n == 1:
		out = m.results[0].Clone()
	default:
		out = m.results[0].Clone()
		m.results = m.results[1:]
	}
	out.ID = req.ID
	return out
}

// Requests returns a copy of the recorded requests.
func (m *MockExecutor) Requests() []sandbox.ExecutionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sandbox.ExecutionRequest(nil), m.requests...)
}
