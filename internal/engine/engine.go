package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/pattern"
	"github.com/roach88/esq/internal/sched"
)

// DefaultTimerResolution is the tick of RunTimer when none is given.
const DefaultTimerResolution = 100 * time.Millisecond

const tracerName = "github.com/roach88/esq/engine"

// Engine evaluates incoming events against all active statements.
//
// Thread-safety model:
//   - SendEvent, Route, AdvanceTime and Iterate are safe from any goroutine.
//   - Statements are isolated by their own lock; the filter index and the
//     scheduler are shared and internally synchronized.
//   - AdvanceTime calls are serialized; timer callbacks of one statement
//     never overlap its event processing.
type Engine struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	ids            IDGenerator
	seq            *Sequencer
	startTime      int64
	unmatched      func(ev event.Event)
	aggs           *agg.Registry
	plugins        *pattern.Plugins
	maxRouted      int
	outputLog      OutputLog

	filters *filter.Service
	sched   *sched.Service
	slots   sched.Allocator
	routes  *routeQueue

	timeMu sync.Mutex

	mu         sync.RWMutex
	types      map[string]*event.Type
	statements map[string]*Statement
	order      []*Statement
	closed     bool
}

// New creates an engine. Time starts at WithStartTime, or 0.
func New(opts ...Option) *Engine {
	e := &Engine{
		ids:        UUIDv7Generator{},
		seq:        NewSequencer(0),
		maxRouted:  DefaultMaxRouted,
		filters:    filter.NewService(),
		routes:     newRouteQueue(),
		types:      make(map[string]*event.Type),
		statements: make(map[string]*Statement),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}
	if e.aggs == nil {
		e.aggs = agg.NewRegistry()
	}
	if e.plugins == nil {
		e.plugins = pattern.NewPlugins()
	}
	e.tracer = e.tracerProvider.Tracer(tracerName)
	e.sched = sched.NewService(e.startTime)
	return e
}

// AddEventType declares t. Adding the same type twice is a no-op; adding a
// different type under a taken name fails.
func (e *Engine) AddEventType(t *event.Type) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("add event type: name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.types[t.Name]; ok {
		if prev == t {
			return nil
		}
		return fmt.Errorf("add event type %s: %w", t.Name, ErrDuplicateEventType)
	}
	e.types[t.Name] = t
	e.logger.Debug("event type added", "event_type", t.Name, "properties", t.Properties())
	return nil
}

// EventType returns the type declared under name.
func (e *Engine) EventType(name string) (*event.Type, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.types[name]
	return t, ok
}

// EventTypes returns the declared type names in sorted order.
func (e *Engine) EventTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.types))
	for name := range e.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregations returns the aggregation registry statements are validated
// against.
func (e *Engine) Aggregations() *agg.Registry {
	return e.aggs
}

// Plugins returns the pattern guard and observer registry.
func (e *Engine) Plugins() *pattern.Plugins {
	return e.plugins
}

// CurrentTime returns the engine time in milliseconds.
func (e *Engine) CurrentTime() int64 {
	return e.sched.Time()
}

// Statement returns the statement with the given name.
func (e *Engine) Statement(name string) (*Statement, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.statements[name]
	return s, ok
}

// Statements returns the live statements in creation order.
func (e *Engine) Statements() []*Statement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Statement(nil), e.order...)
}

// SendEvent processes ev against every statement, then processes the events
// routed meanwhile. The only error for ev itself is an undeclared type; a
// RouteLimitError reports routed events that were dropped.
func (e *Engine) SendEvent(ev event.Event) error {
	typeName := ev.Type().String()
	_, span := e.tracer.Start(context.Background(), "esq.SendEvent",
		trace.WithAttributes(attribute.String("esq.event_type", typeName)))
	defer span.End()

	if err := e.checkType(ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.process(ev)
	if err := e.drainRoutes(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) checkType(ev event.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	t := ev.Type()
	if t == nil {
		return fmt.Errorf("send event: %w: <nil>", ErrUnknownEventType)
	}
	if _, ok := e.types[t.Name]; !ok {
		return fmt.Errorf("send event: %w: %s", ErrUnknownEventType, t.Name)
	}
	return nil
}

// Route queues ev for processing after the current dispatch. Routed events
// of undeclared types are dropped with a warning.
func (e *Engine) Route(ev event.Event) {
	if !e.routes.Enqueue(ev) {
		e.logger.Warn("routed event dropped: engine closed", "event_type", ev.Type().String())
	}
}

func (e *Engine) drainRoutes() error {
	quota := newRouteQuota(e.maxRouted)
	for {
		ev, ok := e.routes.TryDequeue()
		if !ok {
			return nil
		}
		if err := quota.Check(ev.Type().String()); err != nil {
			re := err.(*RouteLimitError)
			re.Dropped = e.routes.Drain() + 1
			e.logger.Error("route limit exceeded",
				"event_type", re.EventType,
				"routed", re.Routed,
				"limit", re.Limit,
				"dropped", re.Dropped,
			)
			return err
		}
		if err := e.checkType(ev); err != nil {
			e.logger.Warn("routed event dropped", "event_type", ev.Type().String(), "error", err)
			continue
		}
		e.process(ev)
	}
}

// process dispatches ev to the statements whose filters it matched, in the
// order they were matched.
func (e *Engine) process(ev event.Event) {
	handles := e.filters.Match(ev, nil)
	if len(handles) == 0 {
		e.notifyUnmatched(ev)
		return
	}

	var order []*Statement
	groups := make(map[*Statement][]*filter.Handle)
	for _, h := range handles {
		s, ok := h.Owner.(*Statement)
		if !ok {
			continue
		}
		if _, seen := groups[s]; !seen {
			order = append(order, s)
		}
		groups[s] = append(groups[s], h)
	}
	for _, s := range order {
		matched := groups[s]
		s.run(func() {
			for _, h := range matched {
				h.Invoke(ev)
			}
		})
	}
}

func (e *Engine) notifyUnmatched(ev event.Event) {
	if e.unmatched == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unmatched listener failed", "event_type", ev.Type().String(), "panic", r)
		}
	}()
	e.unmatched(ev)
}

// AdvanceTime moves engine time to msec, firing due callbacks at their due
// times in order. Moving time backwards is ignored.
func (e *Engine) AdvanceTime(msec int64) error {
	e.timeMu.Lock()
	if msec <= e.sched.Time() {
		e.timeMu.Unlock()
		return nil
	}
	for {
		next, ok := e.sched.Next()
		if !ok || next > msec {
			break
		}
		if next > e.sched.Time() {
			e.sched.SetTime(next)
		}
		e.fire(e.sched.Evaluate())
	}
	e.sched.SetTime(msec)
	e.timeMu.Unlock()

	return e.drainRoutes()
}

// fire runs due handles, taking each owning statement's lock once per run of
// consecutive handles.
func (e *Engine) fire(due []*sched.Handle) {
	for i := 0; i < len(due); {
		s, _ := due[i].Owner.(*Statement)
		j := i + 1
		for j < len(due) && due[j].Owner == due[i].Owner {
			j++
		}
		batch := due[i:j]
		if s == nil {
			for _, h := range batch {
				h.Fire()
			}
		} else {
			s.run(func() {
				for _, h := range batch {
					h.Fire()
				}
			})
		}
		i = j
	}
}

// RunTimer advances engine time from the wall clock every resolution, and
// processes events routed outside any SendEvent call. It blocks until ctx is
// done or the engine is closed.
func (e *Engine) RunTimer(ctx context.Context, resolution time.Duration) error {
	if resolution <= 0 {
		resolution = DefaultTimerResolution
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	e.logger.Info("timer starting", "resolution", resolution)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("timer stopping: context cancelled")
			return ctx.Err()

		case now := <-ticker.C:
			if err := e.AdvanceTime(now.UnixMilli()); err != nil {
				e.logger.Error("timer tick failed", "error", err)
			}

		case _, ok := <-e.routes.Wait():
			if !ok {
				e.logger.Info("timer stopping: engine closed")
				return nil
			}
			if err := e.drainRoutes(); err != nil {
				e.logger.Error("routed events failed", "error", err)
			}
		}
	}
}

// DestroyStatement stops s and releases its filters and schedules. Once it
// returns no listener of s is called again.
func (e *Engine) DestroyStatement(s *Statement) error {
	e.mu.Lock()
	if cur, ok := e.statements[s.name]; !ok || cur != s {
		e.mu.Unlock()
		return fmt.Errorf("destroy %s: %w", s.name, ErrUnknownStatement)
	}
	delete(e.statements, s.name)
	for i, x := range e.order {
		if x == s {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	s.mu.Lock()
	s.destroyed = true
	s.stop()
	s.mu.Unlock()

	// Wait out an in-flight delivery.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock()

	e.logger.Info("statement destroyed", "statement", s.name, "id", s.id)
	return nil
}

// Iterate returns the current output of s. The snapshot blocks event
// processing for s until it is closed.
func (e *Engine) Iterate(s *Statement) (*Snapshot, error) {
	s.mu.RLock()
	if s.destroyed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("iterate %s: %w", s.name, ErrUnknownStatement)
	}
	events := s.proc.Snapshot(s.rows())
	return &Snapshot{events: events, unlock: s.mu.RUnlock}, nil
}

// Close destroys every statement and rejects further events. RunTimer
// returns.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	statements := append([]*Statement(nil), e.order...)
	e.mu.Unlock()

	for _, s := range statements {
		if err := e.DestroyStatement(s); err != nil {
			e.logger.Warn("statement destroy failed", "statement", s.name, "error", err)
		}
	}
	e.routes.Close()
}
