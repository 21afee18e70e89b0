// Package join plans and executes inner joins between the windows of a
// multi-stream statement.
//
// Planning happens once, when the statement is created:
//
//  1. AnalyzeQueryGraph derives, from the where clause, which properties
//     are provably equal or range-bounded between each pair of streams.
//  2. BuildIndexSpecs turns the graph into per-stream index requirements,
//     checking key types as it goes.
//  3. BuildQueryPlan picks, for every driving stream, the order in which
//     the other streams are looked up and the index each lookup uses.
//
// At runtime a Composer keeps one event table per index and produces the
// insert and remove rows of each window update. Indexes only narrow the
// candidate set; the where clause is evaluated on every produced row.
package join
