package agg

import (
	"fmt"
	"log/slog"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Service holds the aggregation state of one statement. The key selects
// the group; ungrouped services ignore it. Group returns a read-only view
// of one group's values, safe to use from concurrent readers while no
// update runs.
type Service interface {
	ApplyEnter(events []event.Event, key expr.MultiKey)
	ApplyLeave(events []event.Event, key expr.MultiKey)
	Group(key expr.MultiKey) expr.AggregateValues
	Clear()
}

// Values reads the results of one state row.
type Values []Method

func (v Values) AggregateValue(slot int) any {
	return v[slot].Value()
}

// Option configures a service.
type Option func(*config)

type config struct {
	statement string
	logger    *slog.Logger
}

// WithStatement names the owning statement in log records.
func WithStatement(name string) Option {
	return func(c *config) { c.statement = name }
}

// WithLogger sets the logger for plug-in failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

type factory struct {
	specs   []Spec
	funcs   []Function
	plugins []bool
	cfg     config
}

func newFactory(r *Registry, specs []Spec, opts []Option) (*factory, error) {
	f := &factory{specs: specs, cfg: config{logger: slog.Default()}}
	for _, opt := range opts {
		opt(&f.cfg)
	}
	for _, s := range specs {
		fn, plugin, ok := r.lookup(s.Func)
		if !ok {
			return nil, &expr.ValidationError{Expr: s.String(), Message: fmt.Sprintf("unknown aggregation function %q", s.Func)}
		}
		f.funcs = append(f.funcs, fn)
		f.plugins = append(f.plugins, plugin)
	}
	return f, nil
}

func (f *factory) row() []Method {
	methods := make([]Method, len(f.funcs))
	for i, fn := range f.funcs {
		var m Method
		if f.plugins[i] {
			g := &guarded{name: fn.Name(), cfg: &f.cfg}
			g.inner = g.create(fn)
			m = g
		} else {
			m = fn.New()
		}
		if f.specs[i].Distinct {
			m = Distinct(m)
		}
		methods[i] = m
	}
	return methods
}

var countStar = any(true)

func (f *factory) enter(methods []Method, events []event.Event) {
	ctx := &expr.Context{Events: events}
	for i, s := range f.specs {
		methods[i].Enter(f.arg(s, ctx))
	}
}

func (f *factory) leave(methods []Method, events []event.Event) {
	ctx := &expr.Context{Events: events}
	for i, s := range f.specs {
		methods[i].Leave(f.arg(s, ctx))
	}
}

func (f *factory) arg(s Spec, ctx *expr.Context) any {
	if s.Arg == nil {
		return countStar
	}
	return expr.Eval(s.Arg, ctx)
}

// guarded runs a plug-in method, logging and swallowing panics.
type guarded struct {
	name  string
	cfg   *config
	inner Method
}

func (g *guarded) create(fn Function) (m Method) {
	defer g.catch("new")
	return fn.New()
}

func (g *guarded) catch(call string) {
	if r := recover(); r != nil {
		g.cfg.logger.Error("aggregation plug-in failed",
			"statement", g.cfg.statement,
			"function", g.name,
			"call", call,
			"panic", fmt.Sprint(r))
	}
}

func (g *guarded) Enter(v any) {
	if g.inner == nil {
		return
	}
	defer g.catch("enter")
	g.inner.Enter(v)
}

func (g *guarded) Leave(v any) {
	if g.inner == nil {
		return
	}
	defer g.catch("leave")
	g.inner.Leave(v)
}

func (g *guarded) Value() (v any) {
	if g.inner == nil {
		return nil
	}
	defer g.catch("value")
	return g.inner.Value()
}

func (g *guarded) Clear() {
	if g.inner == nil {
		return
	}
	defer g.catch("clear")
	g.inner.Clear()
}

// Ungrouped keeps a single row of state.
type Ungrouped struct {
	f       *factory
	methods []Method
}

// NewUngrouped returns a service with one state row for specs.
func NewUngrouped(r *Registry, specs []Spec, opts ...Option) (*Ungrouped, error) {
	f, err := newFactory(r, specs, opts)
	if err != nil {
		return nil, err
	}
	return &Ungrouped{f: f, methods: f.row()}, nil
}

func (u *Ungrouped) ApplyEnter(events []event.Event, _ expr.MultiKey) {
	u.f.enter(u.methods, events)
}

func (u *Ungrouped) ApplyLeave(events []event.Event, _ expr.MultiKey) {
	u.f.leave(u.methods, events)
}

func (u *Ungrouped) Group(expr.MultiKey) expr.AggregateValues {
	return Values(u.methods)
}

func (u *Ungrouped) AggregateValue(slot int) any {
	return u.methods[slot].Value()
}

func (u *Ungrouped) Clear() {
	for _, m := range u.methods {
		m.Clear()
	}
}

type groupRow struct {
	methods []Method
	refs    int
}

// Grouped keeps one state row per group. A group's row is dropped when
// the number of events it holds reaches zero.
type Grouped struct {
	f     *factory
	rows  map[expr.MultiKey]*groupRow
	empty []Method
}

// NewGrouped returns a service with one state row per group for specs.
func NewGrouped(r *Registry, specs []Spec, opts ...Option) (*Grouped, error) {
	f, err := newFactory(r, specs, opts)
	if err != nil {
		return nil, err
	}
	return &Grouped{f: f, rows: make(map[expr.MultiKey]*groupRow), empty: f.row()}, nil
}

func (g *Grouped) ApplyEnter(events []event.Event, key expr.MultiKey) {
	row, ok := g.rows[key]
	if !ok {
		row = &groupRow{methods: g.f.row()}
		g.rows[key] = row
	}
	row.refs++
	g.f.enter(row.methods, events)
}

func (g *Grouped) ApplyLeave(events []event.Event, key expr.MultiKey) {
	row, ok := g.rows[key]
	if !ok {
		return
	}
	g.f.leave(row.methods, events)
	row.refs--
	if row.refs <= 0 {
		delete(g.rows, key)
	}
}

// Group returns the values of the group. A group without events reads as
// empty state.
func (g *Grouped) Group(key expr.MultiKey) expr.AggregateValues {
	if row, ok := g.rows[key]; ok {
		return Values(row.methods)
	}
	return Values(g.empty)
}

// Groups returns the number of groups holding events.
func (g *Grouped) Groups() int {
	return len(g.rows)
}

func (g *Grouped) Clear() {
	clear(g.rows)
}

// Has reports whether the group holds events.
func (g *Grouped) Has(key expr.MultiKey) bool {
	_, ok := g.rows[key]
	return ok
}
