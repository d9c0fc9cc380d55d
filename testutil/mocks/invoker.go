package mocks

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InvokerCall records one Invoke call.
type InvokerCall struct {
	Worker string
	Prompt string
}

// MockInvoker implements persona.Invoker with per-worker scripts. Worker
// names match case-insensitively.
type MockInvoker struct {
	mu sync.Mutex

	responses map[string]string
	errs      map[string]error
	delays    map[string]time.Duration
	fallback  string
	onInvoke  func(worker, prompt string)

	calls    []InvokerCall
	inFlight int
	peak     int
}

// NewMockInvoker returns an invoker answering "ok" for every worker.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		responses: make(map[string]string),
		errs:      make(map[string]error),
		delays:    make(map[string]time.Duration),
		fallback:  "ok",
	}
}

// WithResponse scripts the answer of worker.
func (m *MockInvoker) WithResponse(worker, response string) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[strings.ToLower(worker)] = response
	return m
}

// WithError makes worker fail with err.
func (m *MockInvoker) WithError(worker string, err error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[strings.ToLower(worker)] = err
	return m
}

// WithDelay delays worker's answers, honoring cancellation.
func (m *MockInvoker) WithDelay(worker string, d time.Duration) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[strings.ToLower(worker)] = d
	return m
}

// WithDefault sets the answer of unscripted workers.
func (m *MockInvoker) WithDefault(response string) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = response
	return m
}

// OnInvoke runs fn at the start of every call.
func (m *MockInvoker) OnInvoke(fn func(worker, prompt string)) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInvoke = fn
	return m
}

// Invoke implements persona.Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, worker, prompt string) (string, error) {
	key := strings.ToLower(worker)

	m.mu.Lock()
	m.calls = append(m.calls, InvokerCall{Worker: worker, Prompt: prompt})
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	hook := m.onInvoke
	delay := m.delays[key]
	err := m.errs[key]
	response, ok := m.responses[key]
	if !ok {
		response = m.fallback
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if hook != nil {
		hook(worker, prompt)
	}
	if delay > 0 {
		if werr := sleep(ctx, delay); werr != nil {
			return "", werr
		}
	}
	if err != nil {
		return "", err
	}
	return response, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockInvoker) Calls() []InvokerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InvokerCall(nil), m.calls...)
}

// CallsFor returns the prompts sent to worker.
func (m *MockInvoker) CallsFor(worker string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prompts []string
	for _, c := range m.calls {
		if strings.EqualFold(c.Worker, worker) {
			prompts = append(prompts, c.Prompt)
		}
	}
	return prompts
}

// PeakConcurrency returns the largest number of overlapping calls seen.
func (m *MockInvoker) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
