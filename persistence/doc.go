// Package persistence stores tasks and their audit trail outside the
// process.
//
// Every TaskStore satisfies task.Persister, so a store plugged into the
// registry receives each change synchronously after it is applied in
// memory. A failed write is logged and counted by the registry but never
// undoes the transition; a crash between the in-memory change and the write
// loses that change.
//
// Supported backends:
//   - memory: for tests and one-shot CLI runs (default)
//   - file: one JSON file per task plus an append-only JSONL audit log
//   - redis: a hash per task, sorted-set indexes and an audit list per task
//   - gorm: sqlite, postgres or mysql through internal/database
package persistence
