// Package storage provides the SQLite persistence layer behind the
// scheduling jobs.
//
// It holds:
//   - Challenge windows, members and guarded status transitions
//   - Goals, their log history, and derived logging patterns
//   - The job-claim ledger (at-most-once recurring work)
//   - The per-recipient push queue
//   - Job-run audit appends
//
// Every write the engine's idempotency guarantees lean on is a single
// conditional statement (INSERT OR IGNORE, UPDATE ... WHERE status=?),
// never a check-then-act pair.
package storage
