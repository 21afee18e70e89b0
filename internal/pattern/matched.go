package pattern

import (
	"fmt"

	"github.com/roach88/esq/internal/event"
)

// Meta lays out the tags of a compiled pattern: each tag gets a fixed slot.
type Meta struct {
	tags  []string
	index map[string]int
}

// NewMeta returns a layout for the given tags, in order. Duplicates share a
// slot.
func NewMeta(tags ...string) *Meta {
	m := &Meta{index: make(map[string]int)}
	for _, tag := range tags {
		if _, ok := m.index[tag]; ok {
			continue
		}
		m.index[tag] = len(m.tags)
		m.tags = append(m.tags, tag)
	}
	return m
}

// Tags returns the tags in slot order.
func (m *Meta) Tags() []string {
	return m.tags
}

// Index returns the slot of tag.
func (m *Meta) Index(tag string) (int, bool) {
	i, ok := m.index[tag]
	return i, ok
}

// ResultType builds the event type of pattern matches: one event-valued
// property per tag.
func (m *Meta) ResultType(name string, tagTypes map[string]*event.Type) *event.Type {
	t := event.NewType(name, nil)
	for _, tag := range m.tags {
		t.WithEventProperty(tag, tagTypes[tag])
	}
	return t
}

// MatchedEvents holds the events bound to tags so far in one match attempt.
// A value is never shared between branches: states clone before binding.
type MatchedEvents struct {
	meta   *Meta
	events []event.Event
}

// NewMatchedEvents returns an empty map for meta.
func NewMatchedEvents(meta *Meta) *MatchedEvents {
	return &MatchedEvents{meta: meta, events: make([]event.Event, len(meta.tags))}
}

// Clone returns an independent copy.
func (m *MatchedEvents) Clone() *MatchedEvents {
	events := make([]event.Event, len(m.events))
	copy(events, m.events)
	return &MatchedEvents{meta: m.meta, events: events}
}

// Get returns the event bound to tag, or nil.
func (m *MatchedEvents) Get(tag string) event.Event {
	i, ok := m.meta.index[tag]
	if !ok {
		return nil
	}
	return m.events[i]
}

// Set binds ev to tag.
func (m *MatchedEvents) Set(tag string, ev event.Event) {
	i, ok := m.meta.index[tag]
	if !ok {
		panic(fmt.Sprintf("pattern: tag %q not in layout", tag))
	}
	m.events[i] = ev
}

// Events returns the bound events in slot order; unbound slots are nil.
// Expressions over tags address slot i as stream i.
func (m *MatchedEvents) Events() []event.Event {
	return m.events
}

// merge fills the unbound slots of m from other.
func (m *MatchedEvents) merge(other *MatchedEvents) {
	for i, ev := range other.events {
		if m.events[i] == nil {
			m.events[i] = ev
		}
	}
}

// Event converts the match into an event of type t with one property per
// bound tag.
func (m *MatchedEvents) Event(t *event.Type) event.Event {
	data := make(map[string]any, len(m.events))
	for i, ev := range m.events {
		if ev != nil {
			data[m.meta.tags[i]] = ev
		}
	}
	return event.NewMapEvent(t, data)
}

func (m *MatchedEvents) String() string {
	s := "{"
	for i, ev := range m.events {
		if i > 0 {
			s += ", "
		}
		s += m.meta.tags[i] + "="
		if ev == nil {
			s += "null"
		} else {
			s += fmt.Sprint(ev.Underlying())
		}
	}
	return s + "}"
}
