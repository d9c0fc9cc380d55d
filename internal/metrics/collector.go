// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector owns a private registry and implements the recorder interfaces
// of the task registry, persona invoker, sandbox and engine.
type Collector struct {
	registry *prometheus.Registry

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// requests and tasks
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tasksInFlight   prometheus.Gauge
	taskTransitions *prometheus.CounterVec
	persistFailures *prometheus.CounterVec

	// workers
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	// sandbox
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector whose metrics live under namespace.
// Go runtime and process collectors are registered alongside.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Collaboration requests by final state",
		},
		[]string{"state"},
	)
	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end collaboration request duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"state"},
	)
	c.tasksInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently being worked on",
		},
	)
	c.taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions",
		},
		[]string{"from", "to"},
	)
	c.persistFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_persist_failures_total",
			Help:      "Task store writes that failed",
		},
		[]string{"op"},
	)

	c.invocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_invocations_total",
			Help:      "Worker invocations by outcome",
		},
		[]string{"worker", "outcome"},
	)
	c.invocationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_invocation_duration_seconds",
			Help:      "Worker invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"worker"},
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandbox executions by backend and failure category",
		},
		[]string{"backend", "category"},
	)
	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// Engine
// =============================================================================

// ObserveRequest records a finished collaboration request.
func (c *Collector) ObserveRequest(state string, seconds float64) {
	c.requestsTotal.WithLabelValues(state).Inc()
	c.requestDuration.WithLabelValues(state).Observe(seconds)
}

// AddInFlight moves the in-flight task gauge.
func (c *Collector) AddInFlight(delta int) {
	c.tasksInFlight.Add(float64(delta))
}

// =============================================================================
// Task registry
// =============================================================================

// ObserveTransition counts a task status change. Creation has from "".
func (c *Collector) ObserveTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

// ObservePersistFailure counts a failed store write.
func (c *Collector) ObservePersistFailure(op string) {
	c.persistFailures.WithLabelValues(op).Inc()
}

// =============================================================================
// Workers and sandbox
// =============================================================================

// ObserveInvocation records one worker invocation.
func (c *Collector) ObserveInvocation(worker, outcome string, seconds float64) {
	c.invocationsTotal.WithLabelValues(worker, outcome).Inc()
	c.invocationDuration.WithLabelValues(worker).Observe(seconds)
}

// ObserveExecution records one sandbox execution. An empty category means
// the run succeeded.
func (c *Collector) ObserveExecution(backend, category string, seconds float64) {
	if category == "" {
		category = "none"
	}
	c.executionsTotal.WithLabelValues(backend, category).Inc()
	c.executionDuration.WithLabelValues(backend).Observe(seconds)
}

// =============================================================================
// Helpers
// =============================================================================

// statusCode buckets an HTTP status into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
