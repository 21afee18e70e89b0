// Package filter implements the filter index: the structure that maps an
// incoming event to the registered filter handles whose constraints it
// satisfies.
//
// The index is a tree of alternating levels. A node holds the handles whose
// constraints are fully satisfied at that depth plus a list of indexes; each
// index covers one (property, operator) pair and maps constraint values to
// child nodes. Matching an event walks from the node registered for its type,
// performing one hash or sorted lookup per index, so a lookup costs roughly
// the depth of the tree rather than the number of registered filters.
//
// Locking is per node and per index. Registration and removal lock one level
// at a time and keep reference counts on indexes and entries, so work on
// disjoint sub-trees never contends and a handle becomes visible to readers
// in a single step.
package filter
