/*
Package server runs personaflow's HTTP status surface.

Manager owns the http.Server lifecycle: non-blocking Start (HTTP or HTTPS),
graceful Shutdown bounded by a timeout, and Wait, which returns once the
caller's context ends or serving fails.

Handlers provides the routes:

	GET  /healthz              dependency checks, 503 on failure
	GET  /metrics              Prometheus exposition
	POST /api/v1/requests      run a request, answer with its report
	GET  /api/v1/tasks         dashboard snapshot (?request_id= to scope)
	GET  /api/v1/tasks/stream  websocket pushing snapshots as they change

Everything except request submission is a read-only projection of the task
registry.
*/
package server
