package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

var (
	tick  = event.NewType("Tick", map[string]event.Kind{"sym": event.KindString, "qty": event.KindInt})
	quote = event.NewType("Quote", map[string]event.Kind{"sym": event.KindString, "bid": event.KindFloat})
)

func newTick(sym string, qty int64) event.Event {
	return event.NewMapEvent(tick, map[string]any{"sym": sym, "qty": qty})
}

func rows(events ...event.Event) []Row {
	out := make([]Row, len(events))
	for i, ev := range events {
		out[i] = Row{ev}
	}
	return out
}

func column(events []event.Event, name string) []any {
	out := make([]any, len(events))
	for i, ev := range events {
		out[i] = ev.Get(name)
	}
	return out
}

var (
	countStar = agg.Spec{Func: "count"}
	sumQty    = agg.Spec{Func: "sum", Arg: expr.P("qty")}
	aggSlot0  = expr.AggRef{Slot: 0}
	aggSlot1  = expr.AggRef{Slot: 1}
)

func newProcessor(t *testing.T, spec *Spec) Processor {
	t.Helper()
	if spec.Types == nil {
		spec.Types = []*event.Type{tick}
	}
	if spec.Name == "" {
		spec.Name = "out"
	}
	p, err := NewProcessor(spec, agg.NewRegistry())
	require.NoError(t, err)
	return p
}

func TestAnalyze(t *testing.T) {
	sym := SelectItem{Name: "sym", Expr: expr.P("sym")}
	qty := SelectItem{Name: "qty", Expr: expr.P("qty")}
	cnt := SelectItem{Name: "cnt", Expr: aggSlot0}

	tests := []struct {
		name string
		spec Spec
		want Kind
	}{
		{"wildcard", Spec{Wildcard: true}, Passthrough},
		{"simple", Spec{Select: []SelectItem{sym}}, Simple},
		{"row for all", Spec{Select: []SelectItem{cnt}, Aggs: []agg.Spec{countStar}}, RowForAll},
		{"aggregate all", Spec{Select: []SelectItem{sym, cnt}, Aggs: []agg.Spec{countStar}}, AggregateAll},
		{"row per group", Spec{Select: []SelectItem{sym, cnt}, GroupBy: []expr.Node{expr.P("sym")}, Aggs: []agg.Spec{countStar}}, RowPerGroup},
		{"group by without aggregates", Spec{Select: []SelectItem{sym}, GroupBy: []expr.Node{expr.P("sym")}}, RowPerGroup},
		{"aggregate grouped", Spec{Select: []SelectItem{sym, qty, cnt}, GroupBy: []expr.Node{expr.P("sym")}, Aggs: []agg.Spec{countStar}}, AggregateGrouped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Types = []*event.Type{tick}
			k, err := Analyze(&spec, agg.NewRegistry())
			require.NoError(t, err)
			assert.Equal(t, tt.want, k)
		})
	}
}

func TestAnalyze_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"nothing selected", Spec{}},
		{"unknown property", Spec{Select: []SelectItem{{Name: "x", Expr: expr.P("missing")}}}},
		{"aggregate slot out of range", Spec{Select: []SelectItem{{Name: "x", Expr: aggSlot1}}, Aggs: []agg.Spec{countStar}}},
		{"aggregate in group by", Spec{Select: []SelectItem{{Name: "x", Expr: aggSlot0}}, GroupBy: []expr.Node{aggSlot0}, Aggs: []agg.Spec{countStar}}},
		{"bad aggregate", Spec{Select: []SelectItem{{Name: "x", Expr: aggSlot0}}, Aggs: []agg.Spec{{Func: "avg", Arg: expr.P("sym")}}}},
		{"duplicate column", Spec{Select: []SelectItem{{Name: "x", Expr: expr.P("sym")}, {Name: "x", Expr: expr.P("qty")}}}},
		{"wildcard with aggregates", Spec{Wildcard: true, Aggs: []agg.Spec{countStar}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Types = []*event.Type{tick}
			_, err := Analyze(&spec, agg.NewRegistry())
			require.Error(t, err)
			assert.True(t, expr.IsValidationError(err))
		})
	}
}

func TestPassthrough(t *testing.T) {
	p := newProcessor(t, &Spec{Wildcard: true})
	e1, e2 := newTick("a", 1), newTick("b", 2)

	newOut, oldOut := p.Process(rows(e1), rows(e2))
	assert.Equal(t, []event.Event{e1}, newOut)
	assert.Equal(t, []event.Event{e2}, oldOut)
	assert.Same(t, tick, p.OutputType())
}

func TestPassthrough_Join(t *testing.T) {
	p := newProcessor(t, &Spec{Wildcard: true, Types: []*event.Type{tick, quote}, StreamNames: []string{"t", "q"}})
	tk := newTick("a", 1)
	q := event.NewMapEvent(quote, map[string]any{"sym": "a", "bid": 1.5})

	newOut, _ := p.Process([]Row{{tk, q}}, nil)
	require.Len(t, newOut, 1)
	assert.Equal(t, 1.5, newOut[0].Get("q.bid"))
	assert.Equal(t, "a", newOut[0].Get("t.sym"))
}

func TestSimple_Having(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select: []SelectItem{{Name: "doubled", Expr: expr.Arith{Op: expr.OpMul, Left: expr.P("qty"), Right: expr.C(2)}}},
		Having: expr.Cmp(expr.OpGt, expr.P("qty"), expr.C(1)),
	})
	newOut, oldOut := p.Process(rows(newTick("a", 1), newTick("a", 5)), nil)

	assert.Equal(t, []any{int64(10)}, column(newOut, "doubled"))
	assert.Empty(t, oldOut)
	k, _ := p.OutputType().PropertyType("doubled")
	assert.Equal(t, event.KindInt, k)
}

// TestRowForAll_LengthWindowPlateau feeds the updates a length 10 window
// produces for 15 events.
func TestRowForAll_LengthWindowPlateau(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select: []SelectItem{{Name: "cnt", Expr: aggSlot0}},
		Aggs:   []agg.Spec{countStar},
	})

	var window []event.Event
	var counts, before []any
	for i := 0; i < 15; i++ {
		ev := newTick("a", int64(i))
		var evicted []Row
		window = append(window, ev)
		if len(window) > 10 {
			evicted = rows(window[0])
			window = window[1:]
		}
		newOut, oldOut := p.Process(rows(ev), evicted)
		require.Len(t, newOut, 1)
		require.Len(t, oldOut, 1)
		counts = append(counts, newOut[0].Get("cnt"))
		before = append(before, oldOut[0].Get("cnt"))
	}

	want := []any{}
	for i := int64(1); i <= 15; i++ {
		want = append(want, min(i, 10))
	}
	assert.Equal(t, want, counts)
	assert.Equal(t, append([]any{int64(0)}, want[:14]...), before)
	assert.Equal(t, []any{int64(10)}, column(p.Snapshot(nil), "cnt"))
}

func TestAggregateAll(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select: []SelectItem{{Name: "sym", Expr: expr.P("sym")}, {Name: "total", Expr: aggSlot0}},
		Aggs:   []agg.Spec{sumQty},
	})
	e1, e2 := newTick("a", 3), newTick("b", 4)
	p.Process(rows(e1), nil)
	newOut, oldOut := p.Process(rows(e2), rows(e1))

	assert.Equal(t, []any{"b"}, column(newOut, "sym"))
	assert.Equal(t, []any{int64(4)}, column(newOut, "total"))
	assert.Equal(t, []any{"a"}, column(oldOut, "sym"))
	assert.Equal(t, []any{int64(4)}, column(oldOut, "total"))
}

func TestRowPerGroup(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select:  []SelectItem{{Name: "sym", Expr: expr.P("sym")}, {Name: "cnt", Expr: aggSlot0}},
		GroupBy: []expr.Node{expr.P("sym")},
		Aggs:    []agg.Spec{countStar},
	})
	a1, a2, b1 := newTick("a", 1), newTick("a", 2), newTick("b", 3)

	newOut, oldOut := p.Process(rows(a1, b1), nil)
	assert.Equal(t, []any{"a", "b"}, column(newOut, "sym"))
	assert.Equal(t, []any{int64(1), int64(1)}, column(newOut, "cnt"))
	assert.Empty(t, oldOut)

	newOut, oldOut = p.Process(rows(a2), rows(b1))
	assert.Equal(t, []any{"a", "b"}, column(newOut, "sym"))
	assert.Equal(t, []any{int64(2), int64(0)}, column(newOut, "cnt"))
	assert.Equal(t, []any{"a", "b"}, column(oldOut, "sym"))
	assert.Equal(t, []any{int64(1), int64(1)}, column(oldOut, "cnt"))

	snap := p.Snapshot(rows(a1, a2))
	assert.Equal(t, []any{int64(2)}, column(snap, "cnt"))
}

func TestRowPerGroup_LargeIntegerKeys(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select:  []SelectItem{{Name: "qty", Expr: expr.P("qty")}, {Name: "cnt", Expr: aggSlot0}},
		GroupBy: []expr.Node{expr.P("qty")},
		Aggs:    []agg.Spec{countStar},
	})
	const big = int64(1 << 53)

	newOut, _ := p.Process(rows(newTick("a", big)), nil)
	assert.Equal(t, []any{int64(1)}, column(newOut, "cnt"))
	newOut, oldOut := p.Process(rows(newTick("a", big+1)), nil)
	assert.Equal(t, []any{big + 1}, column(newOut, "qty"))
	assert.Equal(t, []any{int64(1)}, column(newOut, "cnt"))
	assert.Empty(t, oldOut)
}

func TestRowPerGroup_Having(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select:  []SelectItem{{Name: "sym", Expr: expr.P("sym")}, {Name: "total", Expr: aggSlot0}},
		GroupBy: []expr.Node{expr.P("sym")},
		Having:  expr.Cmp(expr.OpGe, aggSlot0, expr.C(5)),
		Aggs:    []agg.Spec{sumQty},
	})
	newOut, _ := p.Process(rows(newTick("a", 2), newTick("b", 6)), nil)
	assert.Equal(t, []any{"b"}, column(newOut, "sym"))

	newOut, oldOut := p.Process(rows(newTick("a", 3)), nil)
	assert.Equal(t, []any{int64(5)}, column(newOut, "total"))
	assert.Empty(t, oldOut)
}

func TestAggregateGrouped(t *testing.T) {
	p := newProcessor(t, &Spec{
		Select:  []SelectItem{{Name: "sym", Expr: expr.P("sym")}, {Name: "qty", Expr: expr.P("qty")}, {Name: "total", Expr: aggSlot0}},
		GroupBy: []expr.Node{expr.P("sym")},
		Aggs:    []agg.Spec{sumQty},
	})
	newOut, _ := p.Process(rows(newTick("a", 1), newTick("b", 10), newTick("a", 2)), nil)

	assert.Equal(t, []any{int64(1), int64(10), int64(2)}, column(newOut, "qty"))
	assert.Equal(t, []any{int64(3), int64(10), int64(3)}, column(newOut, "total"))
	assert.Equal(t, AggregateGrouped, p.Kind())
}
