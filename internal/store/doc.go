// Package store provides the SQLite-backed output log of esq.
//
// The log is append-only:
//   - Runs: one record per engine lifetime, keyed by a UUIDv7
//   - Batches: every delivery of every statement in the run, with its new
//     and old events as JSON
//
// # Ordering
//
// Batches of different statements are delivered under different locks, so
// the engine stamps each with a sequence number. All queries order by
// (run_id, seq); a run read back lists batches in exactly the order they
// were produced, whatever the wall time said.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
