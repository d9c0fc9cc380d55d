package collaboration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/personaflow/delegation"
	"github.com/BaSui01/personaflow/internal/ctxkeys"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/sandbox"
	"github.com/BaSui01/personaflow/task"
	"github.com/BaSui01/personaflow/types"
)

const instrumentationName = "github.com/BaSui01/personaflow/collaboration"

// Config tunes the engine.
type Config struct {
	// MaxConcurrency bounds the tasks in progress across every request the
	// engine is running.
	MaxConcurrency int
	// WorkerTimeout bounds each worker invocation, coordinator included.
	WorkerTimeout time.Duration
	// ExecutionTimeout is the sandbox timeout requested for detected code.
	// Zero uses the sandbox default.
	ExecutionTimeout time.Duration
	// CodeExecution runs code blocks found in worker responses.
	CodeExecution bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   4,
		WorkerTimeout:    2 * time.Minute,
		ExecutionTimeout: 30 * time.Second,
		CodeExecution:    true,
	}
}

// Executor runs code. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult
}

// Recorder receives engine-level observations.
type Recorder interface {
	ObserveRequest(state string, seconds float64)
	AddInFlight(delta int)
}

// Engine turns one request into a plan of delegated tasks, runs them with
// bounded concurrency and aggregates the outcome.
type Engine struct {
	config   Config
	personas *persona.Registry
	parser   *delegation.Parser
	registry *task.Registry
	invoker  persona.Invoker
	executor Executor
	recorder Recorder
	tracer   trace.Tracer

	// one slot per in_progress task, shared by concurrent Run calls
	slots *semaphore.Weighted

	mu     sync.Mutex
	states map[string]RequestState

	logger *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithExecutor enables execution of code found in worker responses.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an engine. The parser accepts exactly the workers of
// personas, so assignments to anyone else fail as unknown_worker.
func NewEngine(cfg Config, personas *persona.Registry, registry *task.Registry, invoker persona.Invoker, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	e := &Engine{
		config:   cfg,
		personas: personas,
		parser:   delegation.NewParser(personas.KnownWorkers()),
		registry: registry,
		invoker:  invoker,
		tracer:   otel.Tracer(instrumentationName),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		states:   make(map[string]RequestState),
		logger:   logger.With(zap.String("component", "collaboration_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the task registry the engine writes to.
func (e *Engine) Registry() *task.Registry { return e.registry }

// State returns the state of a request that is still running.
func (e *Engine) State(requestID string) (RequestState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[requestID]
	return s, ok
}

func (e *Engine) setState(requestID string, s RequestState) {
	e.mu.Lock()
	e.states[requestID] = s
	e.mu.Unlock()
}

// Run handles one request end to end. Task-level failures are reported in
// the Report; an error is returned only when the plan could not be applied
// to the registry (invalid task graph or illegal transition). A cancelled ctx
// still produces a report, with unfinished tasks failed as cancelled.
func (e *Engine) Run(ctx context.Context, request string) (*Report, error) {
	requestID := uuid.NewString()
	started := time.Now()

	ctx = ctxkeys.WithRequestID(ctx, requestID)
	ctx, span := e.tracer.Start(ctx, "collaboration.run",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	defer func() {
		e.mu.Lock()
		delete(e.states, requestID)
		e.mu.Unlock()
	}()

	report, err := e.run(ctx, requestID, request, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("request aborted", append(ctxkeys.Fields(ctx), zap.Error(err))...)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("request.state", string(report.State)),
		attribute.Int("request.tasks", len(report.Entries)),
	)
	if e.recorder != nil {
		e.recorder.ObserveRequest(string(report.State), report.Duration().Seconds())
	}
	e.logger.Info("request finished", append(ctxkeys.Fields(ctx),
		zap.String("state", string(report.State)),
		zap.Int("tasks", len(report.Entries)),
		zap.Int("failed", report.Failed()),
		zap.Duration("elapsed", report.Duration()),
	)...)
	return report, nil
}

func (e *Engine) run(ctx context.Context, requestID, request string, started time.Time) (*Report, error) {
	// Registry writes must land even after ctx is cancelled.
	persist := context.WithoutCancel(ctx)

	e.setState(requestID, StateReceived)
	e.setState(requestID, StatePlanning)

	coordinator := e.personas.Coordinator()
	text, err := e.invoke(ctx, coordinator.Name, persona.CoordinatorPrompt(request, e.personas.Workers()))
	if err != nil {
		if err := e.implicitTask(persist, requestID, request, coordinator.Name, nil, e.invocationFailure(ctx, err)); err != nil {
			return nil, err
		}
		return e.aggregate(requestID, request, false, started), nil
	}

	plan := e.parser.Parse(text)
	if plan.Direct {
		e.logger.Debug("coordinator answered directly", ctxkeys.Fields(ctx)...)
		if err := e.implicitTask(persist, requestID, request, coordinator.Name, &task.Result{Text: text}, nil); err != nil {
			return nil, err
		}
		return e.aggregate(requestID, request, true, started), nil
	}

	if err := e.plan(persist, requestID, plan); err != nil {
		return nil, err
	}

	e.setState(requestID, StateDispatching)
	if err := e.dispatch(ctx, persist, requestID); err != nil {
		return nil, err
	}
	return e.aggregate(requestID, request, false, started), nil
}

// implicitTask records a coordinator-only outcome as a single task.
func (e *Engine) implicitTask(ctx context.Context, requestID, request, coordinator string, result *task.Result, failure *task.Failure) error {
	t, err := e.registry.Create(ctx, task.CreateSpec{
		RequestID:   requestID,
		Description: request,
		Worker:      coordinator,
	})
	if err != nil {
		return err
	}
	// ctx is never cancelled here, so Acquire only waits
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.slots.Release(1)
	if _, err := e.registry.Transition(ctx, t.ID, task.StatusInProgress, nil, nil); err != nil {
		return err
	}
	to := task.StatusCompleted
	if failure != nil {
		to = task.StatusFailed
	}
	_, err = e.registry.Transition(ctx, t.ID, to, result, failure)
	return err
}

// plan creates every assignment in one batch and rejects the ones addressed
// to unknown workers.
func (e *Engine) plan(ctx context.Context, requestID string, plan delegation.Plan) error {
	specs := make([]task.CreateSpec, len(plan.Assignments))
	for i, a := range plan.Assignments {
		specs[i] = task.CreateSpec{
			RequestID:   requestID,
			Description: a.Description,
			Worker:      a.Worker,
			After:       a.After,
		}
	}
	created, err := e.registry.CreateBatch(ctx, specs)
	if err != nil {
		return err
	}

	for i, a := range plan.Assignments {
		if !a.UnknownWorker {
			continue
		}
		failure := &task.Failure{Category: task.FailureUnknownWorker, Message: "unknown worker: " + a.Worker}
		if _, err := e.registry.Transition(ctx, created[i].ID, task.StatusFailed, nil, failure); err != nil {
			return err
		}
		e.logger.Warn("assignment to unknown worker",
			zap.String("request_id", requestID),
			zap.Int64("task_id", created[i].ID),
			zap.String("worker", a.Worker),
			zap.Int("line", a.Line),
		)
	}
	return nil
}

type outcome struct {
	taskID  int64
	result  *task.Result
	failure *task.Failure
}

// dispatch claims ready tasks while engine slots are free and applies each
// outcome as it arrives, until nothing of the request is in flight. After a
// failed apply it stops claiming but still drains what is running.
func (e *Engine) dispatch(ctx, persist context.Context, requestID string) error {
	limit := e.config.MaxConcurrency
	results := make(chan outcome, limit)

	var g errgroup.Group
	g.SetLimit(limit)

	var applyErr error
	inFlight := 0
	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			rejected, err := e.registry.RejectPending(persist, requestID, task.Failure{
				Category: task.FailureCancelled,
				Message:  "request cancelled",
			})
			if err != nil && applyErr == nil {
				applyErr = err
			}
			e.logger.Info("request cancelled",
				zap.String("request_id", requestID),
				zap.Int("rejected", len(rejected)),
				zap.Int("in_flight", inFlight),
			)
		}

		if !cancelled && applyErr == nil {
			for _, t := range e.claim(ctx, persist, requestID, inFlight == 0) {
				inFlight++
				e.addInFlight(1)
				g.Go(func() error {
					results <- e.runTask(ctx, t)
					return nil
				})
			}
		}

		if inFlight == 0 {
			if !cancelled && ctx.Err() != nil {
				// claim gave up waiting for a slot; reject what is pending
				continue
			}
			break
		}
		e.setState(requestID, StateAwaitingResults)

		var o outcome
		select {
		case o = <-results:
		case <-ctx.Done():
			if cancelled {
				o = <-results
			} else {
				continue
			}
		}
		inFlight--
		e.addInFlight(-1)

		err := e.apply(persist, o)
		e.slots.Release(1)
		if err != nil && applyErr == nil {
			applyErr = err
			e.logger.Error("applying task outcome failed",
				zap.String("request_id", requestID),
				zap.Int64("task_id", o.taskID),
				zap.Int("in_flight", inFlight),
				zap.Error(err),
			)
		}
	}
	if err := g.Wait(); err != nil && applyErr == nil {
		applyErr = err
	}
	return applyErr
}

// claim moves ready tasks of requestID to in_progress, one engine slot each.
// With wait set it blocks for the first slot, since the request has nothing
// in flight that would wake it; further slots are taken only if free.
func (e *Engine) claim(ctx, persist context.Context, requestID string, wait bool) []*task.Task {
	var out []*task.Task
	for {
		if wait && len(out) == 0 {
			if err := e.slots.Acquire(ctx, 1); err != nil {
				return nil
			}
		} else if !e.slots.TryAcquire(1) {
			return out
		}
		claimed := e.registry.ClaimReady(persist, requestID, 1)
		if len(claimed) == 0 {
			e.slots.Release(1)
			return out
		}
		out = append(out, claimed[0])
	}
}

func (e *Engine) apply(ctx context.Context, o outcome) error {
	to := task.StatusCompleted
	if o.failure != nil {
		to = task.StatusFailed
	}
	_, err := e.registry.Transition(ctx, o.taskID, to, o.result, o.failure)
	return err
}

func (e *Engine) addInFlight(delta int) {
	if e.recorder != nil {
		e.recorder.AddInFlight(delta)
	}
}

// runTask invokes the worker and, when its response carries runnable code,
// executes it. A non-none execution category fails the task while keeping
// the worker text and the partial execution result.
func (e *Engine) runTask(ctx context.Context, t *task.Task) outcome {
	ctx = ctxkeys.WithWorker(ctxkeys.WithTaskID(ctx, t.ID), t.AssignedWorker)
	ctx, span := e.tracer.Start(ctx, "collaboration.task",
		trace.WithAttributes(
			attribute.Int64("task.id", t.ID),
			attribute.String("task.worker", t.AssignedWorker),
		))
	defer span.End()

	out := outcome{taskID: t.ID}
	prompt := persona.WorkerPrompt(t.Description, e.upstream(t))
	text, err := e.invoke(ctx, t.AssignedWorker, prompt)
	if err != nil {
		out.failure = e.invocationFailure(ctx, err)
		span.SetStatus(codes.Error, out.failure.Message)
		return out
	}
	out.result = &task.Result{Text: text}

	if !e.config.CodeExecution || e.executor == nil {
		return out
	}
	block, ok := ExtractCode(text)
	if !ok {
		return out
	}

	exec := e.executor.Execute(ctx, sandbox.ExecutionRequest{
		ID:             fmt.Sprintf("%s-%d", t.RequestID, t.ID),
		Source:         block.Source,
		Language:       block.Language,
		TimeoutSeconds: e.config.ExecutionTimeout.Seconds(),
	})
	out.result.Language = string(block.Language)
	out.result.Execution = &exec

	span.SetAttributes(
		attribute.String("sandbox.backend", exec.Backend),
		attribute.String("sandbox.category", string(exec.FailureCategory)),
	)
	if exec.FailureCategory == sandbox.CategoryNone {
		return out
	}
	if ctx.Err() != nil {
		out.failure = &task.Failure{Category: task.FailureCancelled, Message: "request cancelled"}
	} else {
		out.failure = &task.Failure{Category: task.FailureFromSandbox(exec.FailureCategory), Message: exec.Error}
	}
	span.SetStatus(codes.Error, out.failure.Message)
	e.logger.Info("code execution failed", append(ctxkeys.Fields(ctx),
		zap.String("backend", exec.Backend),
		zap.String("category", string(exec.FailureCategory)),
		zap.String("error", exec.Error),
	)...)
	return out
}

// invoke calls worker under the engine's per-invocation timeout.
func (e *Engine) invoke(ctx context.Context, worker, prompt string) (string, error) {
	if e.config.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.WorkerTimeout)
		defer cancel()
	}
	return e.invoker.Invoke(ctx, worker, prompt)
}

// invocationFailure maps an invoker error to a task failure. ctx is the
// request context, so a worker timeout is not mistaken for cancellation.
func (e *Engine) invocationFailure(ctx context.Context, err error) *task.Failure {
	switch {
	case ctx.Err() != nil:
		return &task.Failure{Category: task.FailureCancelled, Message: "request cancelled"}
	case types.IsErrorCode(err, types.ErrCodeUnknownWorker):
		return &task.Failure{Category: task.FailureUnknownWorker, Message: err.Error()}
	default:
		msg := err.Error()
		var te *types.Error
		if errors.As(err, &te) {
			msg = te.Message
			if te.Cause != nil {
				msg += ": " + te.Cause.Error()
			}
		}
		return &task.Failure{Category: task.FailureWorkerUnreachable, Message: msg}
	}
}

// upstream collects the completed results of t's dependencies.
func (e *Engine) upstream(t *task.Task) []persona.Upstream {
	var out []persona.Upstream
	for _, id := range t.Dependencies {
		dep, err := e.registry.Get(id)
		if err != nil || dep.Status != task.StatusCompleted || dep.Result == nil {
			continue
		}
		output := dep.Result.Text
		if x := dep.Result.Execution; x != nil && x.Stdout != "" {
			output = strings.TrimRight(output, "\n") + "\n\nExecution output:\n" + x.Stdout
		}
		out = append(out, persona.Upstream{
			Worker:      dep.AssignedWorker,
			Description: dep.Description,
			Output:      output,
		})
	}
	return out
}

func (e *Engine) aggregate(requestID, request string, direct bool, started time.Time) *Report {
	report := buildReport(requestID, request, direct, e.registry.List(requestID), started, time.Now())
	e.setState(requestID, report.State)
	return report
}
