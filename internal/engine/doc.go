// Package engine runs continuous queries over event streams.
//
// An Engine holds declared event types and running statements. Each event
// handed to SendEvent is matched once against the shared filter index; the
// matched handles are grouped by statement and each statement processes its
// share under its own lock:
//
//	filter index -> pattern | view chain -> join -> result processor
//	             -> output condition -> listeners
//
// Time is logical. AdvanceTime moves it explicitly, firing due callbacks in
// due-time and slot order; RunTimer drives it from the wall clock.
//
// LOCKING:
//
// A statement's output is collected while its lock is held. Before the lock
// is released the statement's dispatch lock is taken, and listeners run
// under the dispatch lock only. Listener calls of one statement are thus
// ordered and never overlap, while other events may already be processed.
// Iterate holds the statement's read lock until the Snapshot is closed.
//
// ROUTING:
//
// Listeners must not re-enter the engine. Route queues an event until the
// current SendEvent or AdvanceTime call is done with its own work; statements
// with InsertInto route their output the same way. A route limit stops
// statements feeding each other forever.
package engine
