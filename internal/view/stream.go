package view

import (
	"log/slog"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/sched"
)

// Downstream consumes the output of a view.
type Downstream interface {
	Update(newData, oldData []event.Event)
}

// DownstreamFunc adapts a function to Downstream.
type DownstreamFunc func(newData, oldData []event.Event)

// Update implements Downstream.
func (f DownstreamFunc) Update(newData, oldData []event.Event) {
	f(newData, oldData)
}

// View is one stage of a chain.
type View interface {
	Downstream
	// Iterate visits the events the view currently holds, oldest first,
	// until fn returns false.
	Iterate(fn func(event.Event) bool)
	SetChild(d Downstream)
	// Stop cancels scheduled work.
	Stop()
}

// Context carries the statement services views need.
type Context struct {
	Statement string
	Owner     any
	Scheduler *sched.Service
	Bucket    *sched.Bucket
	Logger    *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Context) slot() sched.Slot {
	if c.Bucket == nil {
		return sched.Slot{}
	}
	return c.Bucket.Allocate()
}

func (c *Context) now() int64 {
	return c.Scheduler.Time()
}

type base struct {
	child Downstream
}

func (b *base) SetChild(d Downstream) {
	b.child = d
}

func (b *base) post(newData, oldData []event.Event) {
	if b.child != nil && (len(newData) > 0 || len(oldData) > 0) {
		b.child.Update(newData, oldData)
	}
}

// Stream is the root of a view chain.
type Stream struct {
	typ   *event.Type
	out   *event.Type
	views []View
	child Downstream
}

// NewStream validates specs against t and builds the chain.
func NewStream(ctx *Context, t *event.Type, specs ...Spec) (*Stream, error) {
	out := t
	for _, s := range specs {
		var err error
		if out, err = validate(s, out); err != nil {
			return nil, err
		}
	}
	st := &Stream{typ: t, out: out}
	st.views = build(ctx, t, specs, false)
	for i := 0; i+1 < len(st.views); i++ {
		st.views[i].SetChild(st.views[i+1])
	}
	return st, nil
}

// build instantiates validated specs. upstreamRetains tells an AddProperty
// view whether removals will reach it.
func build(ctx *Context, t *event.Type, specs []Spec, upstreamRetains bool) []View {
	views := make([]View, 0, len(specs))
	typ := t
	for _, s := range specs {
		var v View
		switch x := s.(type) {
		case Length:
			v = newLengthWindow(x.N)
		case Time:
			v = newTimeWindow(ctx, x.Msec)
		case LengthBatch:
			v = newLengthBatch(x.N)
		case TimeBatch:
			v = newTimeBatch(ctx, x)
		case Unique:
			v = newUnique(x.Props)
		case AddProperty:
			out, _ := validate(s, typ)
			v = newAddProperty(out, x, upstreamRetains)
			typ = out
		case GroupWin:
			v = newGroupWin(ctx, typ, x, upstreamRetains)
		}
		upstreamRetains = upstreamRetains || retains(s)
		views = append(views, v)
	}
	return views
}

// Type returns the type of the events leaving the chain.
func (s *Stream) Type() *event.Type {
	return s.out
}

// SetChild connects the end of the chain.
func (s *Stream) SetChild(d Downstream) {
	s.child = d
	if n := len(s.views); n > 0 {
		s.views[n-1].SetChild(d)
	}
}

// Insert feeds one matched event into the chain.
func (s *Stream) Insert(ev event.Event) {
	s.Update([]event.Event{ev}, nil)
}

// Update feeds a batch into the chain.
func (s *Stream) Update(newData, oldData []event.Event) {
	if len(s.views) > 0 {
		s.views[0].Update(newData, oldData)
		return
	}
	if s.child != nil {
		s.child.Update(newData, oldData)
	}
}

// Retains reports whether the chain holds events; a chain without windows
// retains nothing.
func (s *Stream) Retains() bool {
	for _, v := range s.views {
		if _, ok := v.(*addPropertyView); !ok {
			return true
		}
	}
	return false
}

// Iterate visits the events held by the last view of the chain.
func (s *Stream) Iterate(fn func(event.Event) bool) {
	if n := len(s.views); n > 0 {
		s.views[n-1].Iterate(fn)
	}
}

// Snapshot returns the events held by the chain.
func (s *Stream) Snapshot() []event.Event {
	var out []event.Event
	s.Iterate(func(ev event.Event) bool {
		out = append(out, ev)
		return true
	})
	return out
}

// Stop cancels the scheduled work of every view.
func (s *Stream) Stop() {
	for _, v := range s.views {
		v.Stop()
	}
}
