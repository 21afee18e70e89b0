// Package agg maintains aggregation state incrementally.
//
// Every aggregate of a statement is a Method per group: values enter as
// events arrive and leave as windows expire them, so the value always
// describes exactly the events currently held. Functions are resolved by
// name from a Registry, which also accepts plug-in functions; plug-in
// methods run behind a recover boundary.
package agg
