// Package event defines the event record the engine evaluates.
//
// An Event is an immutable view over an underlying value. Properties are read
// by name through Get, which also resolves nested, indexed and mapped paths:
//
//	order.customer.name    nested map or nested event
//	items[2]               indexed element of a slice
//	attrs('region')        keyed entry of a map
//
// Events are created once per inbound record (or per computed result row) and
// are shared by reference across every component that processes them. Nothing
// in the engine mutates an event after construction; WrapperEvent adds named
// values on top of a base event without touching it.
package event
