// Package result turns window updates into statement output.
//
// A Processor evaluates the select clause over the insert and remove rows of
// one update, maintaining aggregation state as it goes. Which processor a
// statement gets is decided once from the shape of its select, group-by and
// having clauses. An OutputCondition then decides when the produced rows
// reach listeners.
package result
