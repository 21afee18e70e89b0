package engine

import (
	"sync"

	"github.com/roach88/esq/internal/event"
)

// routeQueue is a thread-safe FIFO of events routed for later processing.
//
// Listeners and insert-into statements must not re-enter the engine while
// a statement dispatches; they enqueue here instead and the queue is drained
// once the triggering event is done.
//
// The signal channel lets RunTimer wake up for events routed outside any
// SendEvent call.
type routeQueue struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newRouteQueue() *routeQueue {
	return &routeQueue{
		events: make([]event.Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds ev to the back of the queue. Returns false if the queue is
// closed.
func (q *routeQueue) Enqueue(ev event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, ev)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *routeQueue) TryDequeue() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	// Clear the slot so the backing array does not pin the event.
	q.events[0] = nil
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return ev, true
}

// Drain empties the queue and returns how many events it held.
func (q *routeQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.events)
	clear(q.events)
	q.events = q.events[:0]
	return n
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *routeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *routeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further events and wakes waiters.
func (q *routeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
