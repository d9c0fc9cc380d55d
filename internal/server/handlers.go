package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/collaboration"
	"github.com/BaSui01/personaflow/types"
)

// Runner executes one collaboration request. *collaboration.Engine
// implements it.
type Runner interface {
	Run(ctx context.Context, request string) (*collaboration.Report, error)
}

// SnapshotSource projects the task registry. *collaboration.Dashboard
// implements it.
type SnapshotSource interface {
	Snapshot(requestID string) collaboration.DashboardSnapshot
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthCheck.
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (f HealthCheckFunc) Name() string                    { return f.CheckName }
func (f HealthCheckFunc) Check(ctx context.Context) error { return f.Fn(ctx) }

// HTTPRecorder observes served requests. *metrics.Collector implements it.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// HandlerConfig tunes the status surface.
type HandlerConfig struct {
	// Push interval of /api/v1/tasks/stream
	StreamInterval time.Duration
	// Limit on POST bodies
	MaxRequestBytes int64
	// Origins accepted by the websocket handshake besides same-origin
	AllowedOrigins []string
	// Bound on each health check
	HealthTimeout time.Duration
}

// DefaultHandlerConfig returns the handler defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		StreamInterval:  time.Second,
		MaxRequestBytes: 1 << 20,
		HealthTimeout:   2 * time.Second,
	}
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) HandlerOption {
	return func(s *Handlers) { s.metrics = h }
}

// WithHTTPRecorder records every served request.
func WithHTTPRecorder(r HTTPRecorder) HandlerOption {
	return func(s *Handlers) { s.recorder = r }
}

// WithHealthCheck adds a dependency to /healthz.
func WithHealthCheck(c HealthCheck) HandlerOption {
	return func(s *Handlers) { s.checks = append(s.checks, c) }
}

// WithVersion reports version on /healthz.
func WithVersion(v string) HandlerOption {
	return func(s *Handlers) { s.version = v }
}

// Handlers serves the read-only status surface plus request submission.
type Handlers struct {
	runner    Runner
	dashboard SnapshotSource
	config    HandlerConfig
	metrics   http.Handler
	recorder  HTTPRecorder
	checks    []HealthCheck
	version   string
	logger    *zap.Logger

	// streams ends open task streams on Close
	streams   context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewHandlers creates the handlers.
func NewHandlers(runner Runner, dashboard SnapshotSource, config HandlerConfig, logger *zap.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultHandlerConfig()
	if config.StreamInterval <= 0 {
		config.StreamInterval = defaults.StreamInterval
	}
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = defaults.MaxRequestBytes
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaults.HealthTimeout
	}
	streams, cancel := context.WithCancel(context.Background())
	h := &Handlers{
		runner:    runner,
		dashboard: dashboard,
		config:    config,
		logger:    logger.With(zap.String("component", "http_handlers")),
		streams:   streams,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close ends every open task stream. The http.Server does not track
// hijacked websocket connections, so call this before Shutdown.
func (h *Handlers) Close() {
	h.closeOnce.Do(h.cancel)
}

// Routes returns the instrumented mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("POST /api/v1/requests", h.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks", h.HandleTasks)
	mux.HandleFunc("GET /api/v1/tasks/stream", h.HandleStream)
	return h.instrument(mux)
}

// =============================================================================
// Response envelope
// =============================================================================

// Response is the JSON envelope of every API response.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo describes a failed API call.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes data with status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Timestamp: time.Now()})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.NewError(types.ErrCodeInternal, "internal error").WithCause(err)
	}
	status := httpStatus(te.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("API error",
			zap.String("code", string(te.Code)),
			zap.Int("status", status),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("API error",
			zap.String("code", string(te.Code)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(te.Code),
			Message:   te.Message,
			Retryable: te.Retryable,
		},
		Timestamp: time.Now(),
	})
}

func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case types.ErrCodeTaskNotFound:
		return http.StatusNotFound
	case types.ErrCodeIllegalTransition:
		return http.StatusConflict
	case types.ErrCodeInvalidTaskGraph:
		return http.StatusUnprocessableEntity
	case types.ErrCodeWorkerUnreachable:
		return http.StatusBadGateway
	case types.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Handlers
// =============================================================================

// HealthStatus is the /healthz body.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HandleHealthz runs every health check; any failure answers 503.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
	}
	code := http.StatusOK
	if len(h.checks) > 0 {
		status.Checks = make(map[string]string, len(h.checks))
	}
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.config.HealthTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			status.Status = "unhealthy"
			status.Checks[c.Name()] = "fail: " + err.Error()
			code = http.StatusServiceUnavailable
			h.logger.Warn("health check failed", zap.String("check", c.Name()), zap.Error(err))
			continue
		}
		status.Checks[c.Name()] = "pass"
	}
	WriteJSON(w, code, status)
}

// SubmitRequest is the POST /api/v1/requests body.
type SubmitRequest struct {
	Request string `json:"request"`
}

// HandleSubmit runs a request to completion and answers with its report.
// Closing the connection cancels the request.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	var body SubmitRequest
	if err := decoder.Decode(&body); err != nil {
		h.writeError(w, types.NewError(types.ErrCodeInvalidRequest, "invalid JSON body").WithCause(err))
		return
	}
	if strings.TrimSpace(body.Request) == "" {
		h.writeError(w, types.NewError(types.ErrCodeInvalidRequest, "request is required"))
		return
	}

	report, err := h.runner.Run(r.Context(), body.Request)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, report)
}

// HandleTasks answers with a dashboard snapshot, optionally scoped by the
// request_id query parameter.
func (h *Handlers) HandleTasks(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, h.dashboard.Snapshot(r.URL.Query().Get("request_id")))
}

// =============================================================================
// Middleware
// =============================================================================

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sw.status = http.StatusSwitchingProtocols
	sw.written = true
	return hj.Hijack()
}

func (h *Handlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		// label by route pattern to keep cardinality bounded
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		} else if i := strings.IndexByte(path, ' '); i >= 0 {
			path = path[i+1:]
		}
		if h.recorder != nil {
			h.recorder.RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
		}
		h.logger.Debug("served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
