// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"sync"

	"github.com/roach88/esq/internal/event"
)

// Collector is a statement listener that records every call.
//
// Safe for concurrent use: timer callbacks may deliver while the test
// goroutine reads.
type Collector struct {
	mu      sync.Mutex
	updates int
	news    []event.Event
	olds    []event.Event
}

// Update records one delivery.
func (c *Collector) Update(newEvents, oldEvents []event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	c.news = append(c.news, newEvents...)
	c.olds = append(c.olds, oldEvents...)
}

// Counts returns the number of deliveries and of new and old events.
func (c *Collector) Counts() (updates, news, olds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates, len(c.news), len(c.olds)
}

// Updates returns the number of deliveries.
func (c *Collector) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// News returns a copy of all new events, in delivery order.
func (c *Collector) News() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.news...)
}

// Olds returns a copy of all old events, in delivery order.
func (c *Collector) Olds() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.olds...)
}

// LastNew returns the most recent new event, or nil.
func (c *Collector) LastNew() event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.news) == 0 {
		return nil
	}
	return c.news[len(c.news)-1]
}

// Reset forgets everything recorded so far.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = 0
	c.news = nil
	c.olds = nil
}
