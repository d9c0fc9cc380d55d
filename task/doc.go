// Package task tracks delegated tasks: their dependency graph, their
// lifecycle (pending, blocked, in_progress, completed, failed) and an audit
// trail of every state change.
//
// A Registry is the single writer. It rejects cycle-introducing creates
// atomically, propagates dependency failures, hands out ready tasks through
// an atomic claim, and publishes a lock-free Snapshot after each change.
package task
