// Package mocks provides scripted test doubles for the persona, sandbox and
// task interfaces.
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/personaflow/persona"
)

// ErrFailAfter is returned once a MockGenerator exceeds its call budget.
var ErrFailAfter = errors.New("mock: call budget exhausted")

// GeneratorCall records one Generate call.
type GeneratorCall struct {
	Request  persona.GenerateRequest
	Response string
	Err      error
}

// MockGenerator implements persona.Generator with a fixed response.
type MockGenerator struct {
	mu sync.Mutex

	response     string
	err          error
	delay        time.Duration
	failAfter    int
	generateFunc func(ctx context.Context, req persona.GenerateRequest) (string, error)

	calls []GeneratorCall
}

// NewMockGenerator returns a generator answering "Mock response".
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{response: "Mock response"}
}

// WithResponse sets the fixed response.
func (m *MockGenerator) WithResponse(response string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError makes every call fail with err.
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay delays each call, honoring cancellation.
func (m *MockGenerator) WithDelay(d time.Duration) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter fails every call after the first n with ErrFailAfter.
func (m *MockGenerator) WithFailAfter(n int) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithGenerateFunc replaces the scripted behavior with fn.
func (m *MockGenerator) WithGenerateFunc(fn func(ctx context.Context, req persona.GenerateRequest) (string, error)) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
	return m
}

// Generate implements persona.Generator.
func (m *MockGenerator) Generate(ctx context.Context, req persona.GenerateRequest) (string, error) {
	m.mu.Lock()
	delay, fn := m.delay, m.generateFunc
	response, err := m.response, m.err
	if m.failAfter > 0 && len(m.calls) >= m.failAfter {
		err = ErrFailAfter
	}
	m.mu.Unlock()

	if delay > 0 {
		if werr := sleep(ctx, delay); werr != nil {
			return m.record(req, "", werr)
		}
	}
	if fn != nil && err == nil {
		response, err = fn(ctx, req)
	}
	if err != nil {
		response = ""
	}
	return m.record(req, response, err)
}

func (m *MockGenerator) record(req persona.GenerateRequest, response string, err error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, GeneratorCall{Request: req, Response: response, Err: err})
	return response, err
}

// Calls returns a copy of the recorded calls.
func (m *MockGenerator) Calls() []GeneratorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GeneratorCall(nil), m.calls...)
}

// CallCount returns the number of calls so far.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastRequest returns the most recent request.
func (m *MockGenerator) LastRequest() (persona.GenerateRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return persona.GenerateRequest{}, false
	}
	return m.calls[len(m.calls)-1].Request, true
}

// Reset clears the recorded calls.
func (m *MockGenerator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
