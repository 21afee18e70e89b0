package join

import (
	"fmt"
	"strings"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Row holds one event per stream.
type Row []event.Event

// Composer maintains the event tables of a join and turns window updates
// into insert and remove rows.
type Composer struct {
	n      int
	where  expr.Node
	specs  [][]IndexSpec
	plan   *QueryPlan
	all    []*unindexedTable
	tables [][]EventTable
}

// NewComposer plans the join of the given stream types under where, which
// may be nil for a cross join.
func NewComposer(types []*event.Type, where expr.Node, opts ...PlanOption) (*Composer, error) {
	n := len(types)
	if n < 2 {
		return nil, &ValidationError{Message: fmt.Sprintf("a join needs at least two streams, got %d", n)}
	}
	g := AnalyzeQueryGraph(where, n)
	specs, err := BuildIndexSpecs(g, types, opts...)
	if err != nil {
		return nil, err
	}
	c := &Composer{
		n:      n,
		where:  where,
		specs:  specs,
		plan:   BuildQueryPlan(g, specs),
		all:    make([]*unindexedTable, n),
		tables: make([][]EventTable, n),
	}
	for s := 0; s < n; s++ {
		c.all[s] = &unindexedTable{}
		for _, spec := range specs[s] {
			if spec.Kind() != Unindexed {
				c.tables[s] = append(c.tables[s], NewEventTable(spec))
			} else {
				c.tables[s] = append(c.tables[s], c.all[s])
			}
		}
	}
	return c, nil
}

// Plan returns the query plan.
func (c *Composer) Plan() *QueryPlan {
	return c.plan
}

// Specs returns the index specs per stream.
func (c *Composer) Specs() [][]IndexSpec {
	return c.specs
}

// Join applies one update. newData and oldData are indexed by stream. The
// rows removed by oldData are joined before the tables change and the rows
// added by newData after.
func (c *Composer) Join(newData, oldData [][]event.Event) (newRows, oldRows []Row) {
	oldRows = c.joinAll(oldData)
	for s, events := range oldData {
		for _, ev := range events {
			c.remove(s, ev)
		}
	}
	for s, events := range newData {
		for _, ev := range events {
			c.add(s, ev)
		}
	}
	newRows = c.joinAll(newData)
	return newRows, oldRows
}

func (c *Composer) add(s int, ev event.Event) {
	c.all[s].Add(ev)
	for _, t := range c.tables[s] {
		if t != EventTable(c.all[s]) {
			t.Add(ev)
		}
	}
}

func (c *Composer) remove(s int, ev event.Event) {
	c.all[s].Remove(ev)
	for _, t := range c.tables[s] {
		if t != EventTable(c.all[s]) {
			t.Remove(ev)
		}
	}
}

func (c *Composer) joinAll(data [][]event.Event) []Row {
	var rows []Row
	seen := make(map[string]bool)
	for s, events := range data {
		for _, ev := range events {
			c.drive(s, ev, func(r Row) {
				k := rowKey(r)
				if !seen[k] {
					seen[k] = true
					rows = append(rows, r)
				}
			})
		}
	}
	return rows
}

func rowKey(r Row) string {
	var b strings.Builder
	for _, ev := range r {
		fmt.Fprintf(&b, "%p;", ev)
	}
	return b.String()
}

// drive produces the rows in which ev takes the place of stream s.
func (c *Composer) drive(s int, ev event.Event, emit func(Row)) {
	row := make(Row, c.n)
	row[s] = ev
	rows := []Row{row}
	for _, l := range c.plan.Lookups[s] {
		var next []Row
		for _, partial := range rows {
			c.lookup(l, partial, func(partner event.Event) bool {
				r := make(Row, c.n)
				copy(r, partial)
				r[l.Target] = partner
				next = append(next, r)
				return true
			})
		}
		if len(next) == 0 {
			return
		}
		rows = next
	}
	for _, r := range rows {
		if c.where == nil || expr.EvalBool(c.where, &expr.Context{Events: r}) {
			emit(r)
		}
	}
}

func (c *Composer) lookup(l Lookup, partial Row, fn func(event.Event) bool) {
	if l.Index < 0 {
		c.all[l.Target].Lookup(nil, nil, fn)
		return
	}
	ctx := &expr.Context{Events: partial}
	keys := make([]any, len(l.Keys))
	for i, k := range l.Keys {
		keys[i] = expr.Eval(k, ctx)
	}
	var r *RangeQuery
	if l.Range != nil {
		r = l.Range.query(ctx)
	}
	c.tables[l.Target][l.Index].Lookup(keys, r, fn)
}

// Iterate visits every row of the current join result, until fn returns
// false.
func (c *Composer) Iterate(fn func(Row) bool) {
	stopped := false
	c.all[0].Lookup(nil, nil, func(ev event.Event) bool {
		c.drive(0, ev, func(r Row) {
			if !stopped && !fn(r) {
				stopped = true
			}
		})
		return !stopped
	})
}

// Len returns the number of events held for stream s.
func (c *Composer) Len(s int) int {
	return c.all[s].Len()
}
