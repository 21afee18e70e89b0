package event

// Event is a typed, immutable record with named properties.
type Event interface {
	// Type returns the event type.
	Type() *Type

	// Get returns the value of a property path, or nil when the property
	// is absent. Nested, indexed and mapped paths are supported.
	Get(path string) any

	// Underlying returns the value the event was built from.
	Underlying() any
}

// MapEvent is an event backed by a string-keyed map. It is used for inbound
// map records as well as for synthetic tuples (pattern matches, join rows,
// result rows) whose values may themselves be events.
type MapEvent struct {
	typ  *Type
	data map[string]any
}

// NewMapEvent wraps data as an event of type t. The map must not be modified
// after the call.
func NewMapEvent(t *Type, data map[string]any) *MapEvent {
	if data == nil {
		data = map[string]any{}
	}
	return &MapEvent{typ: t, data: data}
}

// Type implements Event.
func (e *MapEvent) Type() *Type { return e.typ }

// Underlying implements Event.
func (e *MapEvent) Underlying() any { return e.data }

// Get implements Event.
func (e *MapEvent) Get(path string) any {
	if isSimpleName(path) {
		return e.data[path]
	}
	p, err := pathFor(e.typ, path)
	if err != nil {
		return nil
	}
	return Resolve(e.data, p)
}

// WrapperEvent embellishes a base event with extra named values. Reads of an
// extra name are served from the extras; everything else goes to the base.
type WrapperEvent struct {
	typ    *Type
	base   Event
	extras map[string]any
}

// NewWrapperEvent creates a wrapper over base with the given extra values.
func NewWrapperEvent(t *Type, base Event, extras map[string]any) *WrapperEvent {
	return &WrapperEvent{typ: t, base: base, extras: extras}
}

// Type implements Event.
func (e *WrapperEvent) Type() *Type { return e.typ }

// Base returns the wrapped event.
func (e *WrapperEvent) Base() Event { return e.base }

// Underlying implements Event and returns the base event's underlying value.
func (e *WrapperEvent) Underlying() any { return e.base.Underlying() }

// Get implements Event.
func (e *WrapperEvent) Get(path string) any {
	if isSimpleName(path) {
		if v, ok := e.extras[path]; ok {
			return v
		}
		return e.base.Get(path)
	}
	p, err := pathFor(e.typ, path)
	if err != nil {
		return nil
	}
	if _, ok := e.extras[p[0].Name]; ok {
		return Resolve(e.extras, p)
	}
	return e.base.Get(path)
}

func pathFor(t *Type, path string) (Path, error) {
	if t == nil {
		return ParsePath(path)
	}
	return t.Path(path)
}
