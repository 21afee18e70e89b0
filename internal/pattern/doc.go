// Package pattern evaluates temporal event patterns.
//
// A compiled pattern is an immutable tree of Node values (filter leaves,
// and, or, followed-by, not, every, guards and observers). Evaluation never
// mutates the tree: starting a pattern creates a tree of per-activation
// state objects, each holding the progress of one match attempt and
// reporting to its parent through evaluateTrue / evaluateFalse. Because the
// compiled tree is shared and only states are mutable, one tree supports any
// number of concurrent in-flight matches.
//
// Filter leaves register with the engine's filter index and time-driven
// plug-ins schedule on the engine's scheduler; both are released exactly once
// when the owning state quits. States are not safe for concurrent use: the
// engine drives them under the owning statement's lock.
package pattern
