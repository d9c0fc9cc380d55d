// Package collaboration runs a request through the persona team.
//
// The Engine asks the coordinator for a plan, parses its ASSIGN directives
// into a batch of tasks, dispatches ready tasks to workers with bounded
// concurrency, executes code blocks found in worker responses through the
// sandbox, and aggregates everything into a Report in assignment order.
//
// The request moves through received, planning, dispatching and
// awaiting_results, and ends aggregated or partially_failed. Dashboard
// projects the task registry's lock-free snapshots for status displays.
package collaboration
