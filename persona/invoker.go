package persona

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/personaflow/types"
)

// Invoker asks a named worker to respond to a prompt.
type Invoker interface {
	Invoke(ctx context.Context, worker, prompt string) (string, error)
}

// Recorder receives one observation per invocation.
type Recorder interface {
	ObserveInvocation(worker, outcome string, seconds float64)
}

// InvokerConfig tunes a PersonaInvoker.
type InvokerConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// PersonaInvoker implements Invoker on top of a Generator. Calls share one
// rate limiter and each gets its own timeout.
type PersonaInvoker struct {
	registry  *Registry
	generator Generator
	limiter   *rate.Limiter
	timeout   time.Duration
	recorder  Recorder
	logger    *zap.Logger
}

// NewPersonaInvoker creates an invoker. A non-positive rate disables limiting.
func NewPersonaInvoker(registry *Registry, generator Generator, cfg InvokerConfig, recorder Recorder, logger *zap.Logger) *PersonaInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &PersonaInvoker{
		registry:  registry,
		generator: generator,
		limiter:   limiter,
		timeout:   cfg.Timeout,
		recorder:  recorder,
		logger:    logger.With(zap.String("component", "persona_invoker")),
	}
}

// Invoke runs prompt as worker. Unknown workers yield ErrUnknownWorker; any
// generator failure is wrapped as ErrWorkerUnreachable.
func (i *PersonaInvoker) Invoke(ctx context.Context, worker, prompt string) (string, error) {
	p, ok := i.registry.Get(worker)
	if !ok {
		return "", types.Errorf(types.ErrCodeUnknownWorker, "unknown worker: %s", worker)
	}

	start := time.Now()
	if err := i.limiter.Wait(ctx); err != nil {
		i.observe(worker, "rate_limited", start)
		return "", types.Errorf(types.ErrCodeWorkerUnreachable, "worker %s: rate limit wait", worker).WithCause(err)
	}

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	text, err := i.generator.Generate(callCtx, GenerateRequest{
		Model:       p.Model,
		System:      p.SystemPrompt,
		Prompt:      prompt,
		Temperature: p.Temperature,
	})
	if err != nil {
		outcome := "error"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		i.observe(worker, outcome, start)
		i.logger.Warn("worker invocation failed",
			zap.String("worker", worker),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", types.Errorf(types.ErrCodeWorkerUnreachable, "worker %s unreachable", worker).
			WithCause(err).
			WithRetryable(true)
	}

	i.observe(worker, "success", start)
	i.logger.Debug("worker responded",
		zap.String("worker", worker),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

func (i *PersonaInvoker) observe(worker, outcome string, start time.Time) {
	if i.recorder != nil {
		i.recorder.ObserveInvocation(worker, outcome, time.Since(start).Seconds())
	}
}
