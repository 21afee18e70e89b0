package view

import "github.com/roach88/esq/internal/event"

// removeEvent deletes the first occurrence of ev, by identity.
func removeEvent(events []event.Event, ev event.Event) ([]event.Event, bool) {
	for i, x := range events {
		if x == ev {
			copy(events[i:], events[i+1:])
			events[len(events)-1] = nil
			return events[:len(events)-1], true
		}
	}
	return events, false
}

// lengthWindow keeps the last size events.
type lengthWindow struct {
	base
	size   int
	events []event.Event
}

func newLengthWindow(size int) *lengthWindow {
	return &lengthWindow{size: size}
}

func (w *lengthWindow) Update(newData, oldData []event.Event) {
	var expired []event.Event
	for _, ev := range oldData {
		var ok bool
		if w.events, ok = removeEvent(w.events, ev); ok {
			expired = append(expired, ev)
		}
	}
	w.events = append(w.events, newData...)
	if over := len(w.events) - w.size; over > 0 {
		expired = append(expired, w.events[:over]...)
		w.events = append(w.events[:0:0], w.events[over:]...)
	}
	w.post(newData, expired)
}

func (w *lengthWindow) Iterate(fn func(event.Event) bool) {
	for _, ev := range w.events {
		if !fn(ev) {
			return
		}
	}
}

func (w *lengthWindow) Stop() {}

// lengthBatch releases events once size of them arrived, posting the
// previous batch as old data.
type lengthBatch struct {
	base
	size    int
	current []event.Event
	last    []event.Event
}

func newLengthBatch(size int) *lengthBatch {
	return &lengthBatch{size: size}
}

func (b *lengthBatch) Update(newData, oldData []event.Event) {
	var removed []event.Event
	for _, ev := range oldData {
		var ok bool
		if b.current, ok = removeEvent(b.current, ev); ok {
			continue
		}
		if b.last, ok = removeEvent(b.last, ev); ok {
			removed = append(removed, ev)
		}
	}
	b.current = append(b.current, newData...)
	if len(b.current) < b.size {
		b.post(nil, removed)
		return
	}
	batch, prior := b.current, b.last
	b.last, b.current = batch, nil
	b.post(batch, append(removed, prior...))
}

func (b *lengthBatch) Iterate(fn func(event.Event) bool) {
	for _, ev := range b.current {
		if !fn(ev) {
			return
		}
	}
}

func (b *lengthBatch) Stop() {}
