// Package sched provides the scheduling service: a time-ordered queue of
// callbacks that drives every time-based behaviour of the engine (timer
// observers, pattern guards, time windows and time-based output).
//
// Time is logical. The engine moves it with SetTime, either from an external
// clock (events carrying time) or from its own wall-clock timer, and then
// calls Evaluate to collect the handles that became due. Handles due at the
// same time are returned in slot order so the firing sequence is
// deterministic.
package sched
