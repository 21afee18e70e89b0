package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/join"
	"github.com/roach88/esq/internal/pattern"
	"github.com/roach88/esq/internal/result"
	"github.com/roach88/esq/internal/sched"
	"github.com/roach88/esq/internal/view"
)

// StreamSelector chooses which output of a statement reaches listeners.
type StreamSelector int

const (
	// IRStream delivers inserted and removed rows.
	IRStream StreamSelector = iota
	// IStream delivers inserted rows only.
	IStream
	// RStream delivers removed rows, as new events.
	RStream
)

func (s StreamSelector) String() string {
	switch s {
	case IStream:
		return "istream"
	case RStream:
		return "rstream"
	}
	return "irstream"
}

// StreamSpec is one input stream of a statement: either a filtered event
// type or a pattern, followed by an optional view chain.
type StreamSpec struct {
	// Name addresses the stream in wildcard join output. Defaults to
	// "s<i>".
	Name string

	EventType string
	Params    []filter.Param

	Pattern pattern.Node

	Views []view.Spec

	// UniqueKeys declares properties known to identify one event of the
	// stream, letting the join planner pick unique indexes.
	UniqueKeys []string
}

// StatementSpec is a compiled statement. Expressions address stream i of
// Streams as expr.Prop{Stream: i}.
type StatementSpec struct {
	Name    string
	Streams []StreamSpec

	Where    expr.Node
	Wildcard bool
	Select   []result.SelectItem
	GroupBy  []expr.Node
	Having   expr.Node
	Aggs     []agg.Spec

	Output result.OutputSpec
	Stream StreamSelector

	// InsertInto routes the delivered output as events of this type name.
	InsertInto string
}

// Listener receives the output of a statement. Calls for one statement
// never overlap and arrive in output order. Listeners must not call
// SendEvent, AdvanceTime, CreateStatement or DestroyStatement of the same
// engine; Route defers an event until the dispatch is over.
type Listener interface {
	Update(newEvents, oldEvents []event.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(newEvents, oldEvents []event.Event)

// Update implements Listener.
func (f ListenerFunc) Update(newEvents, oldEvents []event.Event) {
	f(newEvents, oldEvents)
}

// Batch is one delivery of a statement.
type Batch struct {
	Seq       int64
	Time      int64
	Statement string
	New       []event.Event
	Old       []event.Event
}

// OutputLog records delivered batches, in delivery order per statement.
type OutputLog interface {
	Append(ctx context.Context, b Batch) error
}

type registeredFilter struct {
	spec   *filter.Spec
	handle *filter.Handle
	added  bool
}

// Statement is a running continuous query.
//
// mu is the statement lock: event processing and timer callbacks hold it
// for writing, Iterate for reading. dispatchMu is taken before mu is
// released, so the batches of one trigger reach listeners before the next
// trigger's batches, without listeners running under mu.
type Statement struct {
	id     string
	name   string
	spec   *StatementSpec
	engine *Engine
	logger *slog.Logger

	mu         sync.RWMutex
	dispatchMu sync.Mutex

	bucket    *sched.Bucket
	types     []*event.Type
	streams   []*view.Stream
	filters   []registeredFilter
	patterns  []*pattern.Root
	composer  *join.Composer
	proc      result.Processor
	output    *result.OutputCondition
	routeType *event.Type
	pending   []Batch
	destroyed bool

	listenerMu sync.RWMutex
	listeners  []Listener
}

// ID returns the generated statement ID.
func (s *Statement) ID() string {
	return s.id
}

// Name returns the statement name.
func (s *Statement) Name() string {
	return s.name
}

// Spec returns the spec the statement was created from.
func (s *Statement) Spec() *StatementSpec {
	return s.spec
}

// OutputType returns the type of the events delivered to listeners.
func (s *Statement) OutputType() *event.Type {
	return s.proc.OutputType()
}

// Kind returns the result processing strategy chosen for the statement.
func (s *Statement) Kind() result.Kind {
	return s.proc.Kind()
}

// QueryPlan returns the join plan, or nil for single-stream statements.
func (s *Statement) QueryPlan() *join.QueryPlan {
	if s.composer == nil {
		return nil
	}
	return s.composer.Plan()
}

// AddListener attaches l. Listeners added during a delivery see the next
// one.
func (s *Statement) AddListener(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListeners detaches every listener.
func (s *Statement) RemoveListeners() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = nil
}

// run executes fn under the statement lock and delivers what it produced.
func (s *Statement) run(fn func()) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	fn()
	out := s.pending
	s.pending = nil

	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()
	s.deliver(out)
}

// onStream receives the view output of stream i.
func (s *Statement) onStream(i int, newData, oldData []event.Event) {
	var newRows, oldRows []result.Row
	if s.composer != nil {
		in := make([][]event.Event, len(s.streams))
		out := make([][]event.Event, len(s.streams))
		in[i], out[i] = newData, oldData
		joinedNew, joinedOld := s.composer.Join(in, out)
		newRows, oldRows = toRows(joinedNew), toRows(joinedOld)
	} else {
		newRows, oldRows = s.where(newData), s.where(oldData)
	}

	forced := len(newData) == 0 && len(oldData) == 0
	if len(newRows) == 0 && len(oldRows) == 0 && !forced {
		return
	}
	newOut, oldOut := s.proc.Process(newRows, oldRows)
	s.output.Update(newOut, oldOut, len(newData))
}

func toRows(rows []join.Row) []result.Row {
	out := make([]result.Row, len(rows))
	for i, r := range rows {
		out[i] = result.Row(r)
	}
	return out
}

// where turns the events of a single-stream statement into rows, dropping
// those the where clause rejects.
func (s *Statement) where(events []event.Event) []result.Row {
	rows := make([]result.Row, 0, len(events))
	for _, ev := range events {
		row := result.Row{ev}
		if s.spec.Where == nil || expr.EvalBool(s.spec.Where, &expr.Context{Events: row}) {
			rows = append(rows, row)
		}
	}
	return rows
}

// emit receives released output from the output condition.
func (s *Statement) emit(newOut, oldOut []event.Event) {
	switch s.spec.Stream {
	case IStream:
		oldOut = nil
	case RStream:
		newOut, oldOut = oldOut, nil
	}
	if len(newOut) == 0 && len(oldOut) == 0 {
		return
	}
	s.pending = append(s.pending, Batch{
		Seq:       s.engine.seq.Next(),
		Time:      s.engine.sched.Time(),
		Statement: s.name,
		New:       newOut,
		Old:       oldOut,
	})
	if s.routeType == nil {
		return
	}
	for _, ev := range newOut {
		if ev.Type() != s.routeType {
			ev = event.NewWrapperEvent(s.routeType, ev, nil)
		}
		s.engine.Route(ev)
	}
}

// deliver hands batches to listeners and the output log. Called with
// dispatchMu held.
func (s *Statement) deliver(batches []Batch) {
	if len(batches) == 0 {
		return
	}
	s.listenerMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenerMu.RUnlock()

	for _, b := range batches {
		for _, l := range listeners {
			s.notify(l, b)
		}
		if log := s.engine.outputLog; log != nil {
			if err := log.Append(context.Background(), b); err != nil {
				s.logger.Error("output log append failed", "seq", b.Seq, "error", err)
			}
		}
	}
}

func (s *Statement) notify(l Listener, b Batch) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener failed",
				"seq", b.Seq,
				"panic", r,
			)
		}
	}()
	l.Update(b.New, b.Old)
}

// rows returns the rows the statement currently holds.
func (s *Statement) rows() []result.Row {
	if s.composer != nil {
		var rows []result.Row
		s.composer.Iterate(func(r join.Row) bool {
			rows = append(rows, result.Row(r))
			return true
		})
		return rows
	}
	return s.where(s.streams[0].Snapshot())
}

// stop releases every filter, schedule and plug-in of the statement. Called
// with mu held, or before the statement was published.
func (s *Statement) stop() {
	for _, f := range s.filters {
		if !f.added {
			continue
		}
		if err := s.engine.filters.Remove(f.spec, f.handle); err != nil {
			s.logger.Warn("filter removal failed", "filter", f.spec.String(), "error", err)
		}
	}
	s.filters = nil
	for _, p := range s.patterns {
		p.Stop()
	}
	for _, st := range s.streams {
		st.Stop()
	}
	if s.output != nil {
		s.output.Stop()
	}
	s.engine.sched.RemoveAll(s)
	if s.proc != nil {
		s.proc.Clear()
	}
	s.pending = nil
}

// Snapshot is the current output of a statement. It holds the statement's
// read lock until Close, so no event is processed for the statement
// meanwhile.
type Snapshot struct {
	events []event.Event
	once   sync.Once
	unlock func()
}

// Events returns the snapshot rows.
func (s *Snapshot) Events() []event.Event {
	return s.events
}

// Len returns the number of rows.
func (s *Snapshot) Len() int {
	return len(s.events)
}

// Close releases the statement. Safe to call more than once.
func (s *Snapshot) Close() {
	s.once.Do(s.unlock)
}
