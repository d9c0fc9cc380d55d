package collaboration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/sandbox"
	"github.com/BaSui01/personaflow/task"
	"github.com/BaSui01/personaflow/types"
)

type invokerFunc func(ctx context.Context, worker, prompt string) (string, error)

func (f invokerFunc) Invoke(ctx context.Context, worker, prompt string) (string, error) {
	return f(ctx, worker, prompt)
}

type executorFunc func(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult

func (f executorFunc) Execute(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
	return f(ctx, req)
}

type engineRecorder struct {
	mu       sync.Mutex
	states   []string
	inFlight int
	peak     int
}

func (r *engineRecorder) ObserveRequest(state string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *engineRecorder) AddInFlight(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight += delta
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
}

// plannedInvoker answers the coordinator with plan and every worker through
// work.
func plannedInvoker(plan string, work func(ctx context.Context, worker, prompt string) (string, error)) invokerFunc {
	return func(ctx context.Context, worker, prompt string) (string, error) {
		if worker == persona.DefaultCoordinator {
			return plan, nil
		}
		return work(ctx, worker, prompt)
	}
}

func echoWork(_ context.Context, worker, _ string) (string, error) {
	return "done by " + worker, nil
}

func newTestEngine(t *testing.T, cfg Config, inv persona.Invoker, opts ...Option) *Engine {
	t.Helper()
	personas, err := persona.NewRegistry(persona.DefaultCoordinator, persona.DefaultRoster()...)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	return NewEngine(cfg, personas, task.NewRegistry(logger), inv, logger, opts...)
}

func TestEngine_TwoWorkers(t *testing.T) {
	inv := plannedInvoker("Plan:\nASSIGN: nova - implement add\nASSIGN: sentinel - test add\n", echoWork)
	rec := &engineRecorder{}
	e := newTestEngine(t, DefaultConfig(), inv, WithRecorder(rec))

	report, err := e.Run(context.Background(), "build an adder")
	require.NoError(t, err)

	assert.Equal(t, StateAggregated, report.State)
	assert.False(t, report.Direct)
	require.Len(t, report.Entries, 2)
	assert.Equal(t, "nova", report.Entries[0].Worker)
	assert.Equal(t, "implement add", report.Entries[0].Description)
	assert.Equal(t, task.StatusCompleted, report.Entries[0].Status)
	assert.Equal(t, "done by nova", report.Entries[0].Result)
	assert.Equal(t, "sentinel", report.Entries[1].Worker)
	assert.Equal(t, task.StatusCompleted, report.Entries[1].Status)
	assert.Less(t, report.Entries[0].TaskID, report.Entries[1].TaskID)
	assert.Zero(t, report.Failed())

	assert.Equal(t, []string{string(StateAggregated)}, rec.states)
	assert.Zero(t, rec.inFlight)

	_, running := e.State(report.RequestID)
	assert.False(t, running)
	assert.Contains(t, report.Text(), "[nova] completed: implement add")
}

func TestEngine_UnknownWorkerFailsWithoutInvocation(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	inv := plannedInvoker("ASSIGN: ghost - haunt the house\nASSIGN: nova - implement add", func(ctx context.Context, worker, prompt string) (string, error) {
		mu.Lock()
		calls = append(calls, worker)
		mu.Unlock()
		return echoWork(ctx, worker, prompt)
	})
	e := newTestEngine(t, DefaultConfig(), inv)

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, report.State)
	require.Len(t, report.Entries, 2)
	ghost := report.Entries[0]
	assert.Equal(t, "ghost", ghost.Worker)
	assert.Equal(t, task.StatusFailed, ghost.Status)
	assert.Equal(t, task.FailureUnknownWorker, ghost.Category)
	assert.Equal(t, "unknown worker: ghost", ghost.Error)
	assert.Equal(t, task.StatusCompleted, report.Entries[1].Status)
	assert.Equal(t, []string{"nova"}, calls)
}

func TestEngine_DependencyOrderAndUpstreamContext(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var reviewPrompt string
	inv := plannedInvoker("ASSIGN: nova - write the code\nASSIGN: sentinel - review it [after: 1]",
		func(_ context.Context, worker, prompt string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, worker)
			if worker == "sentinel" {
				reviewPrompt = prompt
			}
			return "output of " + worker, nil
		})
	e := newTestEngine(t, DefaultConfig(), inv)

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	assert.Equal(t, StateAggregated, report.State)
	assert.Equal(t, []string{"nova", "sentinel"}, order)
	assert.Equal(t, "review it", report.Entries[1].Description)
	assert.Contains(t, reviewPrompt, "review it")
	assert.Contains(t, reviewPrompt, "Results from earlier tasks:")
	assert.Contains(t, reviewPrompt, "[nova] write the code\noutput of nova")

	deps, err := e.Registry().Get(report.Entries[1].TaskID)
	require.NoError(t, err)
	assert.Equal(t, []int64{report.Entries[0].TaskID}, deps.Dependencies)
}

func TestEngine_MaxConcurrencyBound(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "ASSIGN: nova - part %d\n", i+1)
	}

	var current, peak atomic.Int32
	inv := plannedInvoker(b.String(), func(_ context.Context, worker, _ string) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return "ok", nil
	})

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	rec := &engineRecorder{}
	e := newTestEngine(t, cfg, inv, WithRecorder(rec))

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	assert.Len(t, report.Entries, 6)
	assert.Equal(t, StateAggregated, report.State)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
	assert.LessOrEqual(t, rec.peak, 2)
}

func TestEngine_PartialFailurePropagates(t *testing.T) {
	plan := "ASSIGN: nova - implement\nASSIGN: sentinel - test [after: 1]\nASSIGN: echo - document"
	inv := plannedInvoker(plan, func(ctx context.Context, worker, prompt string) (string, error) {
		if worker == "nova" {
			return "", types.NewError(types.ErrCodeWorkerUnreachable, "worker nova unreachable").
				WithCause(errors.New("connection refused"))
		}
		return echoWork(ctx, worker, prompt)
	})
	e := newTestEngine(t, DefaultConfig(), inv)

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, report.State)
	require.Len(t, report.Entries, 3)

	assert.Equal(t, task.StatusFailed, report.Entries[0].Status)
	assert.Equal(t, task.FailureWorkerUnreachable, report.Entries[0].Category)
	assert.Contains(t, report.Entries[0].Error, "connection refused")

	assert.Equal(t, task.StatusFailed, report.Entries[1].Status)
	assert.Equal(t, task.FailureUpstreamFailed, report.Entries[1].Category)
	assert.Equal(t, task.UpstreamFailedMessage, report.Entries[1].Error)

	assert.Equal(t, task.StatusCompleted, report.Entries[2].Status)
	assert.Equal(t, 2, report.Failed())
}

func TestEngine_CodeExecutionFolding(t *testing.T) {
	response := "Here is the code:\n```python\nprint(1+1)\n```\n"
	inv := plannedInvoker("ASSIGN: nova - compute\nASSIGN: atlas - research", func(_ context.Context, worker, _ string) (string, error) {
		if worker == "nova" {
			return response, nil
		}
		return "no code here", nil
	})

	var mu sync.Mutex
	var requests []sandbox.ExecutionRequest
	exec := executorFunc(func(_ context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		code := 0
		return sandbox.ExecutionResult{
			ID:              req.ID,
			Success:         true,
			Stdout:          "2\n",
			ExitCode:        &code,
			FailureCategory: sandbox.CategoryNone,
			Backend:         "process",
		}
	})
	cfg := DefaultConfig()
	cfg.ExecutionTimeout = 5 * time.Second
	e := newTestEngine(t, cfg, inv, WithExecutor(exec))

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)
	assert.Equal(t, StateAggregated, report.State)

	require.Len(t, requests, 1)
	assert.Equal(t, sandbox.LangPython, requests[0].Language)
	assert.Equal(t, "print(1+1)\n", requests[0].Source)
	assert.Equal(t, 5.0, requests[0].TimeoutSeconds)
	assert.Equal(t, fmt.Sprintf("%s-%d", report.RequestID, report.Entries[0].TaskID), requests[0].ID)

	entry := report.Entries[0]
	assert.Equal(t, task.StatusCompleted, entry.Status)
	assert.Equal(t, response, entry.Result)
	require.NotNil(t, entry.Execution)
	assert.Equal(t, "2\n", entry.Execution.Stdout)
	assert.Nil(t, report.Entries[1].Execution)
}

func TestEngine_CodeExecutionFailureKeepsResult(t *testing.T) {
	inv := plannedInvoker("ASSIGN: nova - loop forever", func(context.Context, string, string) (string, error) {
		return "```python\nwhile True: pass\n```", nil
	})
	exec := executorFunc(func(_ context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
		return sandbox.ExecutionResult{
			ID:              req.ID,
			Stdout:          "partial",
			FailureCategory: sandbox.CategoryTimeout,
			Error:           "execution exceeded 1s",
			Backend:         "process",
		}
	})
	e := newTestEngine(t, DefaultConfig(), inv, WithExecutor(exec))

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, report.State)
	entry := report.Entries[0]
	assert.Equal(t, task.StatusFailed, entry.Status)
	assert.Equal(t, task.FailureTimeout, entry.Category)
	assert.Equal(t, "execution exceeded 1s", entry.Error)
	assert.Contains(t, entry.Result, "while True")
	require.NotNil(t, entry.Execution)
	assert.Equal(t, "partial", entry.Execution.Stdout)
}

func TestEngine_CodeExecutionDisabled(t *testing.T) {
	inv := plannedInvoker("ASSIGN: nova - compute", func(context.Context, string, string) (string, error) {
		return "```python\nprint(1)\n```", nil
	})
	exec := executorFunc(func(context.Context, sandbox.ExecutionRequest) sandbox.ExecutionResult {
		t.Error("executor must not be called")
		return sandbox.ExecutionResult{}
	})
	cfg := DefaultConfig()
	cfg.CodeExecution = false
	e := newTestEngine(t, cfg, inv, WithExecutor(exec))

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, report.Entries[0].Status)
	assert.Nil(t, report.Entries[0].Execution)
}

func TestEngine_DirectAnswer(t *testing.T) {
	inv := invokerFunc(func(_ context.Context, worker, _ string) (string, error) {
		require.Equal(t, persona.DefaultCoordinator, worker)
		return "The answer is 4.", nil
	})
	e := newTestEngine(t, DefaultConfig(), inv)

	report, err := e.Run(context.Background(), "what is 2+2?")
	require.NoError(t, err)

	assert.True(t, report.Direct)
	assert.Equal(t, StateAggregated, report.State)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, persona.DefaultCoordinator, report.Entries[0].Worker)
	assert.Equal(t, "what is 2+2?", report.Entries[0].Description)
	assert.Equal(t, task.StatusCompleted, report.Entries[0].Status)
	assert.Equal(t, "The answer is 4.", report.Entries[0].Result)
}

func TestEngine_CoordinatorFailure(t *testing.T) {
	inv := invokerFunc(func(context.Context, string, string) (string, error) {
		return "", types.NewError(types.ErrCodeWorkerUnreachable, "worker coordinator unreachable")
	})
	e := newTestEngine(t, DefaultConfig(), inv)

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, report.State)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, task.StatusFailed, report.Entries[0].Status)
	assert.Equal(t, task.FailureWorkerUnreachable, report.Entries[0].Category)
	assert.Equal(t, "worker coordinator unreachable", report.Entries[0].Error)
}

func TestEngine_Cancellation(t *testing.T) {
	started := make(chan struct{})
	inv := plannedInvoker("ASSIGN: nova - slow work\nASSIGN: sentinel - follow up [after: 1]",
		func(ctx context.Context, worker, _ string) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
	e := newTestEngine(t, DefaultConfig(), inv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	done := make(chan struct{})
	var report *Report
	var err error
	go func() {
		report, err = e.Run(ctx, "request")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, report.State)
	require.Len(t, report.Entries, 2)
	for _, entry := range report.Entries {
		assert.Equal(t, task.StatusFailed, entry.Status)
		assert.Equal(t, task.FailureCancelled, entry.Category)
	}
}

func TestEngine_WorkerTimeoutIsUnreachable(t *testing.T) {
	inv := plannedInvoker("ASSIGN: nova - hang", func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", types.NewError(types.ErrCodeWorkerUnreachable, "worker nova unreachable").WithCause(ctx.Err())
	})
	cfg := DefaultConfig()
	cfg.WorkerTimeout = 50 * time.Millisecond
	e := newTestEngine(t, cfg, inv)

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)
	assert.Equal(t, task.FailureWorkerUnreachable, report.Entries[0].Category)
	assert.Contains(t, report.Entries[0].Error, "deadline exceeded")
}

func TestEngine_AuditTrailCoversEveryTask(t *testing.T) {
	inv := plannedInvoker("ASSIGN: nova - a\nASSIGN: ghost - b\nASSIGN: sentinel - c [after: 1]", echoWork)
	e := newTestEngine(t, DefaultConfig(), inv)

	report, err := e.Run(context.Background(), "request")
	require.NoError(t, err)

	for _, entry := range report.Entries {
		trail := e.Registry().Audit(entry.TaskID)
		require.NotEmpty(t, trail)
		assert.Equal(t, task.Status(""), trail[0].From)
		assert.Equal(t, entry.Status, trail[len(trail)-1].To)
	}
}
