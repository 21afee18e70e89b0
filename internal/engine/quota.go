package engine

import (
	"errors"
	"fmt"
)

// routeQuota bounds how many routed events one drain may process.
//
// Insert-into chains and listeners that route events can feed each other;
// a statement consuming its own output type would otherwise never settle.
// Each call that drains the route queue gets its own quota.
type routeQuota struct {
	limit   int
	current int
}

func newRouteQuota(limit int) *routeQuota {
	return &routeQuota{limit: limit}
}

// Check counts one routed event and fails once the limit is passed.
func (q *routeQuota) Check(eventType string) error {
	q.current++
	if q.limit > 0 && q.current > q.limit {
		return &RouteLimitError{
			EventType: eventType,
			Routed:    q.current,
			Limit:     q.limit,
		}
	}
	return nil
}

// RouteLimitError is returned when routed events keep producing routed
// events past the configured limit. The queue is emptied.
type RouteLimitError struct {
	EventType string // type of the event that crossed the limit
	Routed    int
	Limit     int
	Dropped   int // events discarded from the queue
}

// Error implements the error interface.
func (e *RouteLimitError) Error() string {
	return fmt.Sprintf("routed event %s exceeded route limit: %d routed > %d limit (%d dropped)",
		e.EventType, e.Routed, e.Limit, e.Dropped)
}

// IsRouteLimitError returns true if the error is a RouteLimitError.
// Uses errors.As to handle wrapped errors.
func IsRouteLimitError(err error) bool {
	var re *RouteLimitError
	return errors.As(err, &re)
}
