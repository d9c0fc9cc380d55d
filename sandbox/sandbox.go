package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/types"
)

const instrumentationName = "github.com/BaSui01/personaflow/sandbox"

// Recorder receives one observation per finished execution.
type Recorder interface {
	ObserveExecution(backend, category string, seconds float64)
}

// Sandbox runs untrusted code on the backend chosen at construction.
type Sandbox struct {
	config    Config
	primary   Backend
	fallback  Backend
	workspace *Workspace
	validator *CodeValidator
	recorder  Recorder
	tracer    trace.Tracer

	mu    sync.Mutex
	stats ExecutorStats

	logger *zap.Logger
}

// Option customizes a Sandbox.
type Option func(*Sandbox)

// WithBackends replaces probing with a fixed backend pair. fallback may be nil.
func WithBackends(primary, fallback Backend) Option {
	return func(s *Sandbox) {
		s.primary = primary
		s.fallback = fallback
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Sandbox) { s.recorder = r }
}

// New builds a sandbox. In auto mode the container runtime is probed once; if
// it does not answer, the process backend is used and every result carries
// ReducedIsolation. Container mode fails when the runtime is unreachable.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	ws, err := NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	s := &Sandbox{
		config:    cfg,
		workspace: ws,
		validator: NewCodeValidator(),
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger.With(zap.String("component", "sandbox")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.primary == nil {
		if err := s.selectBackend(ctx); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}

	s.logger.Info("sandbox ready",
		zap.String("backend", s.primary.Name()),
		zap.Bool("reduced_isolation", !s.primary.Confined()),
		zap.String("workspace", ws.Root()),
	)
	return s, nil
}

func (s *Sandbox) selectBackend(ctx context.Context) error {
	process := NewProcessBackend(ProcessBackendConfig{
		MaxOutputBytes: s.config.MaxOutputBytes,
		KillGrace:      s.config.KillGrace,
	}, s.logger)

	if s.config.Mode == ModeProcess {
		s.primary = process
		return nil
	}

	container := NewContainerBackend(ContainerBackendConfig{
		Runtime:        s.config.Runtime,
		Images:         s.config.Images,
		User:           s.config.User,
		PidsLimit:      s.config.PidsLimit,
		TmpfsSize:      s.config.TmpfsSize,
		MaxOutputBytes: s.config.MaxOutputBytes,
		KillGrace:      s.config.KillGrace,
	}, s.logger)

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()
	err := container.Probe(probeCtx)
	switch {
	case err == nil:
		s.primary = container
		s.fallback = process
	case s.config.Mode == ModeContainer:
		return types.NewError(types.ErrCodeSandboxBackendUnavailable, "container runtime unreachable").WithCause(err)
	default:
		s.logger.Warn("container runtime unreachable, using process backend with reduced isolation",
			zap.String("runtime", s.config.Runtime),
			zap.Error(err),
		)
		s.primary = process
	}
	return nil
}

// Backend returns the name of the selected backend.
func (s *Sandbox) Backend() string { return s.primary.Name() }

// ReducedIsolation reports whether executions run without kernel isolation.
func (s *Sandbox) ReducedIsolation() bool { return !s.primary.Confined() }

// Workspace returns the root workspace executions are scoped under.
func (s *Sandbox) Workspace() *Workspace { return s.workspace }

// Execute runs req and never returns a Go error: failures are categories.
func (s *Sandbox) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	req = s.normalize(req)

	ctx, span := s.tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(
			attribute.String("sandbox.exec_id", req.ID),
			attribute.String("sandbox.language", string(req.Language)),
		))
	defer span.End()

	if err := s.validate(req); err != nil {
		res := ExecutionResult{
			ID:              req.ID,
			Backend:         s.primary.Name(),
			FailureCategory: CategoryInternalError,
			Error:           err.Error(),
		}
		s.record(res, 0)
		return res
	}

	warnings := s.validator.Validate(req.Language, req.Source)
	if len(warnings) > 0 {
		s.logger.Warn("code validation warnings",
			zap.String("exec_id", req.ID),
			zap.String("language", string(req.Language)),
			zap.Strings("warnings", warnings),
		)
	}

	start := time.Now()
	res := s.run(ctx, s.primary, req)
	if res.FailureCategory == CategoryBackendUnavailable && s.fallback != nil {
		s.logger.Warn("backend unavailable, retrying once on fallback",
			zap.String("exec_id", req.ID),
			zap.String("backend", s.primary.Name()),
			zap.String("fallback", s.fallback.Name()),
			zap.String("error", res.Error),
		)
		s.mu.Lock()
		s.stats.Fallbacks++
		s.mu.Unlock()
		res = s.run(ctx, s.fallback, req)
	}
	res.Warnings = warnings

	span.SetAttributes(
		attribute.String("sandbox.backend", res.Backend),
		attribute.String("sandbox.category", string(res.FailureCategory)),
	)
	s.record(res, time.Since(start))
	return res.Clone()
}

func (s *Sandbox) run(ctx context.Context, b Backend, req ExecutionRequest) ExecutionResult {
	scoped, err := s.workspace.Scoped(req.ID)
	if err != nil {
		return ExecutionResult{
			ID:              req.ID,
			Backend:         b.Name(),
			FailureCategory: CategoryInternalError,
			Error:           err.Error(),
		}
	}
	defer func() {
		if err := scoped.Close(); err != nil {
			s.logger.Warn("failed to remove execution workspace", zap.String("dir", scoped.Root()), zap.Error(err))
		}
	}()

	res := b.Execute(ctx, req, scoped.Root())
	res.ReducedIsolation = !b.Confined()
	return res
}

func (s *Sandbox) normalize(req ExecutionRequest) ExecutionRequest {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if lang, ok := ParseLanguage(string(req.Language)); ok {
		req.Language = lang
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = s.config.DefaultTimeout.Seconds()
	}
	if limit := s.config.MaxTimeout.Seconds(); req.TimeoutSeconds > limit {
		req.TimeoutSeconds = limit
	}
	if req.MemoryLimitBytes <= 0 {
		req.MemoryLimitBytes = s.config.MemoryLimitBytes
	}
	if req.CPUQuotaFraction <= 0 {
		req.CPUQuotaFraction = s.config.CPUQuotaFraction
	}
	if req.FilesystemMode == "" {
		req.FilesystemMode = FilesystemReadOnlyRoot
	}
	if s.config.NetworkEnabled {
		req.NetworkEnabled = true
	}
	return req
}

func (s *Sandbox) validate(req ExecutionRequest) error {
	if strings.TrimSpace(req.Source) == "" {
		return fmt.Errorf("source is required")
	}
	for _, lang := range SupportedLanguages {
		if lang == req.Language {
			return nil
		}
	}
	return fmt.Errorf("unsupported language: %q", req.Language)
}

func (s *Sandbox) record(res ExecutionResult, elapsed time.Duration) {
	s.mu.Lock()
	s.stats.TotalExecutions++
	s.stats.TotalDuration += elapsed
	switch res.FailureCategory {
	case CategoryNone:
		s.stats.SuccessExecutions++
	case CategoryTimeout:
		s.stats.FailedExecutions++
		s.stats.TimeoutExecutions++
	default:
		s.stats.FailedExecutions++
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.ObserveExecution(res.Backend, string(res.FailureCategory), elapsed.Seconds())
	}
	s.logger.Debug("execution finished",
		zap.String("exec_id", res.ID),
		zap.String("backend", res.Backend),
		zap.String("category", string(res.FailureCategory)),
		zap.Duration("elapsed", elapsed),
	)
}

// Stats returns a copy of the execution counters.
func (s *Sandbox) Stats() ExecutorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close releases backend resources and the owned workspace.
func (s *Sandbox) Close() error {
	var errs []string
	for _, b := range []Backend{s.primary, s.fallback} {
		if b == nil {
			continue
		}
		if err := b.Cleanup(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := s.workspace.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close sandbox: %s", strings.Join(errs, "; "))
	}
	return nil
}
