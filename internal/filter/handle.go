package filter

import "github.com/roach88/esq/internal/event"

// Handle is the registration token of one compiled filter. Handles are
// compared by identity; Owner lets the caller group the handles an event
// matched (the engine uses the owning statement).
type Handle struct {
	Owner any
	fn    func(ev event.Event)
}

// NewHandle returns a handle invoking fn on match.
func NewHandle(owner any, fn func(ev event.Event)) *Handle {
	return &Handle{Owner: owner, fn: fn}
}

// Invoke runs the handle's callback.
func (h *Handle) Invoke(ev event.Event) {
	if h.fn != nil {
		h.fn(ev)
	}
}
