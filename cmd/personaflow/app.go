package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/collaboration"
	"github.com/BaSui01/personaflow/config"
	"github.com/BaSui01/personaflow/internal/metrics"
	"github.com/BaSui01/personaflow/internal/telemetry"
	"github.com/BaSui01/personaflow/persistence"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/sandbox"
	"github.com/BaSui01/personaflow/task"
)

const metricsNamespace = "personaflow"

// app wires every component for one process.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	telemetry *telemetry.Providers
	store     persistence.TaskStore
	registry  *task.Registry
	sandbox   *sandbox.Sandbox
	engine    *collaboration.Engine
	dashboard *collaboration.Dashboard
}

type appOption func(*appOptions)

type appOptions struct {
	generator persona.Generator
}

// withGenerator replaces the HTTP generator built from the llm section.
func withGenerator(g persona.Generator) appOption {
	return func(o *appOptions) { o.generator = g }
}

// newApp builds the engine and its supporting infrastructure. Task ids
// continue after the highest id already in the store.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...appOption) (_ *app, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(metricsNamespace, logger),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, continuing without it", zap.Error(err))
		a.telemetry, err = nil, nil
	}

	a.store, err = persistence.NewTaskStore(ctx, cfg.ToStoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	last, err := a.store.LastTaskID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last task id: %w", err)
	}

	a.registry = task.NewRegistry(logger,
		task.WithPersister(a.store),
		task.WithObserver(a.collector),
		task.WithFirstID(last+1),
	)

	personas, err := cfg.PersonaRegistry()
	if err != nil {
		return nil, fmt.Errorf("persona roster: %w", err)
	}
	generator := o.generator
	if generator == nil {
		generator = persona.NewHTTPGenerator(cfg.LLM.ToHTTPConfig(), logger)
	}
	invoker := persona.NewPersonaInvoker(personas, generator, cfg.ToInvokerConfig(), a.collector, logger)

	engineOpts := []collaboration.Option{collaboration.WithRecorder(a.collector)}
	if cfg.Engine.CodeExecution {
		a.sandbox, err = newSandbox(ctx, cfg, a.collector, logger)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, collaboration.WithExecutor(a.sandbox))
	}

	a.engine = collaboration.NewEngine(cfg.Engine.ToEngineConfig(), personas, a.registry, invoker, logger, engineOpts...)
	a.dashboard = collaboration.NewDashboard(a.registry, cfg.Engine.WorkerTimeout)

	logger.Info("personaflow ready",
		zap.String("store", cfg.Store.Type),
		zap.Int64("first_task_id", last+1),
		zap.Bool("code_execution", cfg.Engine.CodeExecution),
		zap.Bool("telemetry", a.telemetry.Enabled()),
	)
	return a, nil
}

func newSandbox(ctx context.Context, cfg *config.Config, rec sandbox.Recorder, logger *zap.Logger) (*sandbox.Sandbox, error) {
	sbCfg, err := cfg.Sandbox.ToSandboxConfig()
	if err != nil {
		return nil, err
	}
	sb, err := sandbox.New(ctx, sbCfg, logger, sandbox.WithRecorder(rec))
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if sb.ReducedIsolation() {
		logger.Warn("sandbox running with reduced isolation", zap.String("backend", sb.Backend()))
	}
	return sb, nil
}

// Close releases the sandbox, the store and telemetry, in that order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.sandbox != nil {
		if err := a.sandbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sandbox: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close task store: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
