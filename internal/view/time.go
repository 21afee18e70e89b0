package view

import (
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/sched"
)

type timedEvent struct {
	at int64
	ev event.Event
}

// timeWindow keeps the events of the last msec milliseconds. Expiry runs
// from a scheduler callback due when the oldest event leaves the window.
type timeWindow struct {
	base
	ctx    *Context
	msec   int64
	slot   sched.Slot
	events []timedEvent
	handle *sched.Handle
}

func newTimeWindow(ctx *Context, msec int64) *timeWindow {
	w := &timeWindow{ctx: ctx, msec: msec, slot: ctx.slot()}
	w.handle = sched.NewHandle(ctx.Owner, w.expire)
	return w
}

func (w *timeWindow) Update(newData, oldData []event.Event) {
	var removed []event.Event
	for _, ev := range oldData {
		for i, te := range w.events {
			if te.ev == ev {
				w.events = append(w.events[:i], w.events[i+1:]...)
				removed = append(removed, ev)
				break
			}
		}
	}
	now := w.ctx.now()
	for _, ev := range newData {
		w.events = append(w.events, timedEvent{at: now, ev: ev})
	}
	w.reschedule(now)
	w.post(newData, removed)
}

// expire removes every event with at <= now - msec.
func (w *timeWindow) expire() {
	now := w.ctx.now()
	cutoff := now - w.msec
	n := 0
	for n < len(w.events) && w.events[n].at <= cutoff {
		n++
	}
	var expired []event.Event
	if n > 0 {
		expired = make([]event.Event, n)
		for i := 0; i < n; i++ {
			expired[i] = w.events[i].ev
		}
		w.events = append(w.events[:0:0], w.events[n:]...)
	}
	w.reschedule(now)
	w.post(nil, expired)
}

func (w *timeWindow) reschedule(now int64) {
	if len(w.events) == 0 {
		w.ctx.Scheduler.Remove(w.handle)
		return
	}
	if w.ctx.Scheduler.IsScheduled(w.handle) {
		return
	}
	delay := w.events[0].at + w.msec - now
	if err := w.ctx.Scheduler.Add(delay, w.handle, w.slot); err != nil {
		w.ctx.logger().Error("time window schedule failed", "statement", w.ctx.Statement, "error", err)
	}
}

func (w *timeWindow) Iterate(fn func(event.Event) bool) {
	for _, te := range w.events {
		if !fn(te.ev) {
			return
		}
	}
}

func (w *timeWindow) Stop() {
	w.ctx.Scheduler.Remove(w.handle)
}

// timeBatch collects events and releases them at interval boundaries
// anchored at a reference point.
type timeBatch struct {
	base
	ctx       *Context
	spec      TimeBatch
	slot      sched.Slot
	reference *int64
	current   []event.Event
	last      []event.Event
	handle    *sched.Handle
}

func newTimeBatch(ctx *Context, spec TimeBatch) *timeBatch {
	b := &timeBatch{ctx: ctx, spec: spec, slot: ctx.slot()}
	b.handle = sched.NewHandle(ctx.Owner, b.flush)
	if spec.ForceUpdate {
		ref := ctx.now()
		if spec.Reference != nil {
			ref = *spec.Reference
		}
		b.reference = &ref
		b.schedule()
	}
	return b
}

func (b *timeBatch) Update(newData, oldData []event.Event) {
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
	if len(newData) > 0 {
		if b.reference == nil {
			ref := b.ctx.now()
			if b.spec.Reference != nil {
				ref = *b.spec.Reference
			}
			b.reference = &ref
		}
		b.schedule()
		b.current = append(b.current, newData...)
	}
	b.post(nil, removed)
}

func (b *timeBatch) schedule() {
	if b.ctx.Scheduler.IsScheduled(b.handle) {
		return
	}
	wait := sched.ComputeWaitMSec(b.ctx.now(), *b.reference, b.spec.Msec)
	if err := b.ctx.Scheduler.Add(wait, b.handle, b.slot); err != nil {
		b.ctx.logger().Error("time batch schedule failed", "statement", b.ctx.Statement, "error", err)
	}
}

func (b *timeBatch) flush() {
	batch, prior := b.current, b.last
	if b.child != nil && (len(batch) > 0 || len(prior) > 0 || b.spec.ForceUpdate) {
		b.child.Update(batch, prior)
	}
	if len(batch) > 0 || len(prior) > 0 || b.spec.ForceUpdate {
		b.schedule()
	}
	b.last, b.current = batch, nil
}

func (b *timeBatch) Iterate(fn func(event.Event) bool) {
	for _, ev := range b.current {
		if !fn(ev) {
			return
		}
	}
}

func (b *timeBatch) Stop() {
	b.ctx.Scheduler.Remove(b.handle)
}
