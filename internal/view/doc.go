// Package view implements the window/view chain attached to each stream of
// a statement.
//
// A chain starts at a Stream, which receives the events the statement's
// filter matched, and runs them through an ordered list of views. Each view
// applies one stateful transform and forwards an insert batch (new data) and
// a remove batch (old data) to the next one; the last view feeds the
// statement's join or result processing. Time-based views expire and flush
// through the engine scheduler rather than by polling.
package view
