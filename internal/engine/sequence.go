package engine

import "sync/atomic"

// Sequencer numbers output batches. Statements deliver under their own
// locks, so the batch number is the one order across all of an engine's
// output; the output log and golden traces are sorted by it.
type Sequencer struct {
	last atomic.Int64
}

// NewSequencer returns a sequencer whose first number is last+1. Pass the
// highest number already in an output log to keep appending to it.
func NewSequencer(last int64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(last)
	return s
}

// Next hands out a batch number. Safe for concurrent use.
func (s *Sequencer) Next() int64 {
	return s.last.Add(1)
}

// Last returns the most recent batch number, or the starting point when
// none was handed out.
func (s *Sequencer) Last() int64 {
	return s.last.Load()
}
