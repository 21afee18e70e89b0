package result

import (
	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Row holds the events of one input row, one per stream.
type Row = []event.Event

// Processor applies the select clause to one update.
type Processor interface {
	Kind() Kind
	// OutputType is the type of the produced events.
	OutputType() *event.Type
	// Process consumes the insert and remove rows of one update and
	// returns the insert and remove output.
	Process(newRows, oldRows []Row) (newOut, oldOut []event.Event)
	// Snapshot computes the output for the rows currently held, without
	// changing state.
	Snapshot(rows []Row) []event.Event
	// Clear resets aggregation state.
	Clear()
}

// NewProcessor analyzes spec and returns the matching processor.
func NewProcessor(spec *Spec, reg *agg.Registry, opts ...agg.Option) (Processor, error) {
	kind, err := Analyze(spec, reg)
	if err != nil {
		return nil, err
	}
	b := &selector{spec: spec, kind: kind, out: spec.OutputType(reg)}
	switch kind {
	case Passthrough, Simple:
		return &simple{selector: b}, nil
	case RowForAll, AggregateAll:
		svc, err := agg.NewUngrouped(reg, spec.Aggs, opts...)
		if err != nil {
			return nil, err
		}
		b.aggs = svc
		if kind == RowForAll {
			return &rowForAll{selector: b}, nil
		}
		return &aggregateAll{selector: b}, nil
	}
	svc, err := agg.NewGrouped(reg, spec.Aggs, opts...)
	if err != nil {
		return nil, err
	}
	b.aggs = svc
	if kind == RowPerGroup {
		return &rowPerGroup{selector: b}, nil
	}
	return &aggregateGrouped{selector: b}, nil
}

// selector holds what every processor shares: evaluating the select list
// and having clause of one row.
type selector struct {
	spec *Spec
	kind Kind
	out  *event.Type
	aggs agg.Service
}

func (s *selector) Kind() Kind              { return s.kind }
func (s *selector) OutputType() *event.Type { return s.out }

func (s *selector) Clear() {
	if s.aggs != nil {
		s.aggs.Clear()
	}
}

// group returns the aggregate values rows of group k read.
func (s *selector) group(k expr.MultiKey) expr.AggregateValues {
	if s.aggs == nil {
		return nil
	}
	return s.aggs.Group(k)
}

func (s *selector) having(row Row, aggs expr.AggregateValues) bool {
	return s.spec.Having == nil || expr.EvalBool(s.spec.Having, &expr.Context{Events: row, Aggs: aggs})
}

func (s *selector) selectRow(row Row, aggs expr.AggregateValues) event.Event {
	if s.spec.Wildcard {
		if len(row) == 1 {
			return row[0]
		}
		values := make(map[string]any, len(row))
		for i, ev := range row {
			values[s.spec.streamName(i)] = ev
		}
		return event.NewMapEvent(s.out, values)
	}
	ctx := &expr.Context{Events: row, Aggs: aggs}
	values := make(map[string]any, len(s.spec.Select))
	for _, item := range s.spec.Select {
		values[item.column()] = expr.Eval(item.Expr, ctx)
	}
	return event.NewMapEvent(s.out, values)
}

func (s *selector) selectRows(rows []Row) []event.Event {
	aggs := s.group("")
	var out []event.Event
	for _, r := range rows {
		if s.having(r, aggs) {
			out = append(out, s.selectRow(r, aggs))
		}
	}
	return out
}

func (s *selector) groupKey(row Row) expr.MultiKey {
	ctx := &expr.Context{Events: row}
	values := make([]any, len(s.spec.GroupBy))
	for i, g := range s.spec.GroupBy {
		values[i] = expr.Eval(g, ctx)
	}
	return expr.NewMultiKey(values...)
}

// simple serves Passthrough and Simple.
type simple struct {
	*selector
}

func (p *simple) Process(newRows, oldRows []Row) ([]event.Event, []event.Event) {
	return p.selectRows(newRows), p.selectRows(oldRows)
}

func (p *simple) Snapshot(rows []Row) []event.Event {
	return p.selectRows(rows)
}

// rowForAll reports the aggregate row before and after each update.
type rowForAll struct {
	*selector
}

func (p *rowForAll) current() []event.Event {
	aggs := p.group("")
	if !p.having(nil, aggs) {
		return nil
	}
	return []event.Event{p.selectRow(nil, aggs)}
}

func (p *rowForAll) Process(newRows, oldRows []Row) ([]event.Event, []event.Event) {
	before := p.current()
	for _, r := range newRows {
		p.aggs.ApplyEnter(r, "")
	}
	for _, r := range oldRows {
		p.aggs.ApplyLeave(r, "")
	}
	return p.current(), before
}

func (p *rowForAll) Snapshot([]Row) []event.Event {
	return p.current()
}

// aggregateAll updates the ungrouped aggregates, then selects every row.
type aggregateAll struct {
	*selector
}

func (p *aggregateAll) Process(newRows, oldRows []Row) ([]event.Event, []event.Event) {
	for _, r := range newRows {
		p.aggs.ApplyEnter(r, "")
	}
	for _, r := range oldRows {
		p.aggs.ApplyLeave(r, "")
	}
	return p.selectRows(newRows), p.selectRows(oldRows)
}

func (p *aggregateAll) Snapshot(rows []Row) []event.Event {
	return p.selectRows(rows)
}

// rowPerGroup reports, for every group an update touches, the group's row
// before and after the update.
type rowPerGroup struct {
	*selector
	// reps keeps the latest row per group, to read the group-by values.
	reps map[expr.MultiKey]Row
}

type touched struct {
	keys []expr.MultiKey
	rows map[expr.MultiKey]Row
}

func (t *touched) add(k expr.MultiKey, r Row) {
	if t.rows == nil {
		t.rows = make(map[expr.MultiKey]Row)
	}
	if _, ok := t.rows[k]; !ok {
		t.keys = append(t.keys, k)
	}
	t.rows[k] = r
}

func (p *rowPerGroup) groupRow(k expr.MultiKey, rep Row) (event.Event, bool) {
	aggs := p.group(k)
	if !p.having(rep, aggs) {
		return nil, false
	}
	return p.selectRow(rep, aggs), true
}

func (p *rowPerGroup) Process(newRows, oldRows []Row) ([]event.Event, []event.Event) {
	if p.reps == nil {
		p.reps = make(map[expr.MultiKey]Row)
	}
	var groups touched
	for _, r := range newRows {
		groups.add(p.groupKey(r), r)
	}
	for _, r := range oldRows {
		k := p.groupKey(r)
		if _, ok := groups.rows[k]; !ok {
			groups.add(k, r)
		}
	}

	var oldOut []event.Event
	for _, k := range groups.keys {
		if rep, ok := p.reps[k]; ok {
			if ev, ok := p.groupRow(k, rep); ok {
				oldOut = append(oldOut, ev)
			}
		}
	}
	for _, r := range newRows {
		k := p.groupKey(r)
		p.aggs.ApplyEnter(r, k)
		p.reps[k] = r
	}
	for _, r := range oldRows {
		p.aggs.ApplyLeave(r, p.groupKey(r))
	}

	var newOut []event.Event
	for _, k := range groups.keys {
		if ev, ok := p.groupRow(k, groups.rows[k]); ok {
			newOut = append(newOut, ev)
		}
		if g, ok := p.aggs.(*agg.Grouped); ok && !g.Has(k) {
			delete(p.reps, k)
		}
	}
	return newOut, oldOut
}

func (p *rowPerGroup) Snapshot(rows []Row) []event.Event {
	var groups touched
	for _, r := range rows {
		k := p.groupKey(r)
		if _, ok := groups.rows[k]; !ok {
			groups.add(k, r)
		}
	}
	var out []event.Event
	for _, k := range groups.keys {
		if ev, ok := p.groupRow(k, groups.rows[k]); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (p *rowPerGroup) Clear() {
	p.selector.Clear()
	clear(p.reps)
}

// aggregateGrouped updates the grouped aggregates, then selects every row
// with the aggregates of its group.
type aggregateGrouped struct {
	*selector
}

func (p *aggregateGrouped) selectGrouped(rows []Row) []event.Event {
	var out []event.Event
	for _, r := range rows {
		aggs := p.group(p.groupKey(r))
		if p.having(r, aggs) {
			out = append(out, p.selectRow(r, aggs))
		}
	}
	return out
}

func (p *aggregateGrouped) Process(newRows, oldRows []Row) ([]event.Event, []event.Event) {
	for _, r := range newRows {
		p.aggs.ApplyEnter(r, p.groupKey(r))
	}
	for _, r := range oldRows {
		p.aggs.ApplyLeave(r, p.groupKey(r))
	}
	return p.selectGrouped(newRows), p.selectGrouped(oldRows)
}

func (p *aggregateGrouped) Snapshot(rows []Row) []event.Event {
	return p.selectGrouped(rows)
}
