package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/collaboration"
	"github.com/BaSui01/personaflow/config"
	"github.com/BaSui01/personaflow/internal/metrics"
	"github.com/BaSui01/personaflow/internal/server"
	"github.com/BaSui01/personaflow/persistence"
	"github.com/BaSui01/personaflow/sandbox"
	"github.com/BaSui01/personaflow/task"
)

// =============================================================================
// run
// =============================================================================

func runRequest(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := configFlag(fs)
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	_ = fs.Parse(args)

	request, err := requestText(fs.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, logger, ok := setup(*configPath)
	if !ok {
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	report, err := a.engine.Run(ctx, request)
	if err != nil {
		logger.Error("request failed", zap.Error(err))
		return 1
	}
	if err := writeReport(os.Stdout, report, *asJSON); err != nil {
		logger.Error("write report", zap.Error(err))
		return 1
	}
	if report.State == collaboration.StatePartiallyFailed {
		return exitPartial
	}
	return 0
}

// requestText joins args, or reads r when the only argument is "-".
func requestText(args []string, r io.Reader) (string, error) {
	var text string
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read request: %w", err)
		}
		text = string(data)
	} else {
		text = strings.Join(args, " ")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("a request is required")
	}
	return text, nil
}

func writeReport(w io.Writer, report *collaboration.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	_, err := io.WriteString(w, report.Text())
	return err
}

// =============================================================================
// exec
// =============================================================================

func runExec(args []string) int {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	configPath := configFlag(fs)
	lang := fs.String("lang", "", "Language (python, javascript, bash); inferred from the extension when empty")
	timeout := fs.Duration("timeout", 0, "Execution timeout (default: sandbox.timeout)")
	network := fs.Bool("network", false, "Allow network access")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: personaflow exec [--lang l] file")
		return 1
	}
	path := fs.Arg(0)
	language, err := languageFor(*lang, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		return 1
	}

	cfg, logger, ok := setup(*configPath)
	if !ok {
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sb, err := newSandbox(ctx, cfg, metrics.NewCollector(metricsNamespace, logger), logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = sb.Close() }()

	result := sb.Execute(ctx, sandbox.ExecutionRequest{
		Source:         string(source),
		Language:       language,
		TimeoutSeconds: timeout.Seconds(),
		NetworkEnabled: *network,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("write result", zap.Error(err))
		return 1
	}
	if !result.Success {
		return 1
	}
	return 0
}

// languageFor resolves the --lang flag, falling back to the file extension.
func languageFor(flagValue, path string) (sandbox.Language, error) {
	name := flagValue
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	lang, ok := sandbox.ParseLanguage(name)
	if !ok {
		return "", fmt.Errorf("unsupported language %q (use --lang)", name)
	}
	return lang, nil
}

// =============================================================================
// serve
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := configFlag(fs)
	_ = fs.Parse(args)

	cfg, logger, ok := setup(*configPath)
	if !ok {
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting personaflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	handlers := server.NewHandlers(a.engine, a.dashboard, cfg.Server.ToHandlerConfig(), logger,
		server.WithMetricsHandler(a.collector.Handler()),
		server.WithHTTPRecorder(a.collector),
		server.WithHealthCheck(server.HealthCheckFunc{CheckName: "task_store", Fn: a.store.Ping}),
		server.WithVersion(Version),
	)
	// hijacked stream connections are not tracked by Shutdown
	context.AfterFunc(ctx, handlers.Close)
	defer handlers.Close()

	handler, err := statusHandler(cfg.Server, handlers.Routes(), logger)
	if err != nil {
		logger.Error("invalid server configuration", zap.Error(err))
		return 1
	}
	manager := server.NewManager(handler, cfg.Server.ToServerConfig(), logger)
	if err := manager.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return 1
	}

	if err := manager.Wait(ctx); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("personaflow stopped")
	return 0
}

// publicPaths stay reachable without a token so probes and scrapers work.
var publicPaths = []string{"/healthz", "/metrics"}

// statusHandler wraps routes in the serve middleware chain, adding JWTAuth
// when server.auth is enabled.
func statusHandler(cfg config.ServerConfig, routes http.Handler, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := []Middleware{Recovery(logger), OTelTracing(), SecurityHeaders()}
	if cfg.Auth.Enabled {
		auth, err := JWTAuth(cfg.Auth, publicPaths, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, auth)
	}
	return Chain(routes, chain...), nil
}

// =============================================================================
// tasks
// =============================================================================

func runTasks(args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	configPath := configFlag(fs)
	requestID := fs.String("request", "", "Only tasks of this request")
	worker := fs.String("worker", "", "Only tasks assigned to this worker")
	status := fs.String("status", "", "Comma-separated statuses to include")
	limit := fs.Int("limit", 0, "Maximum number of tasks (0 = all)")
	asJSON := fs.Bool("json", false, "Print tasks as JSON")
	_ = fs.Parse(args)

	cfg, logger, ok := setup(*configPath)
	if !ok {
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := persistence.NewTaskStore(ctx, cfg.ToStoreConfig(), logger)
	if err != nil {
		logger.Error("open task store", zap.Error(err))
		return 1
	}
	defer func() { _ = store.Close() }()

	filter := persistence.TaskFilter{RequestID: *requestID, Worker: *worker, Limit: *limit}
	filter.Status, err = parseStatuses(*status)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tasks, err := store.ListTasks(ctx, filter)
	if err != nil {
		logger.Error("list tasks", zap.Error(err))
		return 1
	}
	if err := writeTasks(os.Stdout, tasks, *asJSON); err != nil {
		logger.Error("write tasks", zap.Error(err))
		return 1
	}
	return 0
}

func parseStatuses(s string) ([]task.Status, error) {
	if s == "" {
		return nil, nil
	}
	var out []task.Status
	for _, part := range strings.Split(s, ",") {
		st := task.Status(strings.ToLower(strings.TrimSpace(part)))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func writeTasks(w io.Writer, tasks []*task.Task, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREQUEST\tWORKER\tSTATUS\tDESCRIPTION")
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, shortID(t.RequestID), t.AssignedWorker, t.Status, desc)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
