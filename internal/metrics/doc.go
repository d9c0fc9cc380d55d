/*
Package metrics exposes personaflow's Prometheus metrics.

A Collector owns a private registry, so several collectors (one per test,
say) never clash on registration. It implements the observation
interfaces of the task registry, the persona invoker, the sandbox and the
collaboration engine, and serves everything through Handler.

Metric families:

  - requests_total, request_duration_seconds by final request state
  - tasks_in_flight, task_transitions_total, task_persist_failures_total
  - worker_invocations_total, worker_invocation_duration_seconds
  - sandbox_executions_total by backend and failure category
  - http_requests_total, http_request_duration_seconds for the status surface
*/
package metrics
