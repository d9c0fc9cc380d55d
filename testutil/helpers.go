package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/personaflow/task"
)

const pollInterval = 10 * time.Millisecond

// TestContext returns a context that expires after 30s or when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout returns a context bound to timeout and the test.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WaitFor polls condition until it holds or timeout passes.
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(pollInterval)
	}
	return condition()
}

// WaitForChannel receives from ch or gives up after timeout.
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// TaskLister is satisfied by *task.Registry.
type TaskLister interface {
	List(requestID string) []*task.Task
}

// AwaitWorkerStatus waits until some task assigned to worker reaches want
// and returns a copy of it. The test fails on timeout.
func AwaitWorkerStatus(t *testing.T, l TaskLister, worker string, want task.Status, timeout time.Duration) *task.Task {
	t.Helper()
	var found *task.Task
	ok := WaitFor(func() bool {
		for _, tk := range l.List("") {
			if strings.EqualFold(tk.AssignedWorker, worker) && tk.Status == want {
				found = tk
				return true
			}
		}
		return false
	}, timeout)
	if !ok {
		t.Fatalf("no %s task reached %s within %v", worker, want, timeout)
	}
	return found
}

// CountByStatus tallies tasks per status.
func CountByStatus(tasks []*task.Task) map[task.Status]int {
	out := make(map[task.Status]int, len(tasks))
	for _, tk := range tasks {
		out[tk.Status]++
	}
	return out
}
