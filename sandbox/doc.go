/*
Package sandbox runs untrusted, generated code under resource, filesystem and
network confinement.

A Sandbox selects its backend once, at construction:

  - ContainerBackend drives a docker-compatible CLI. Each run gets a fresh
    container with a read-only root, no network, dropped capabilities, an
    unprivileged user, memory/CPU/pids limits and the source mounted read-only.
  - ProcessBackend runs the interpreter as a local child in its own process
    group. It confines the working directory and kills the group on timeout,
    but offers no kernel isolation, so its results set ReducedIsolation.

Execute never returns a Go error. Every outcome is an ExecutionResult whose
FailureCategory is one of none, timeout, nonzero_exit, resource_exceeded,
backend_unavailable or internal_error, with timeout taking precedence over
resource_exceeded, and resource_exceeded over nonzero_exit.
*/
package sandbox
