package join

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

var typeT = event.NewType("T", nil)

func tev(values map[string]any) event.Event {
	return event.NewMapEvent(typeT, values)
}

func collect(t EventTable, keys []any, r *RangeQuery) []event.Event {
	var out []event.Event
	t.Lookup(keys, r, func(ev event.Event) bool {
		out = append(out, ev)
		return true
	})
	return out
}

func TestHashTable(t *testing.T) {
	table := NewEventTable(IndexSpec{HashProps: []string{"k"}})
	assert.Equal(t, Hash, table.Kind())

	e1 := tev(map[string]any{"k": int64(5)})
	e2 := tev(map[string]any{"k": 5.0})
	e3 := tev(map[string]any{"k": "5"})
	null := tev(map[string]any{})
	for _, ev := range []event.Event{e1, e2, e3, null} {
		table.Add(ev)
	}

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []event.Event{e1, e2}, collect(table, []any{int32(5)}, nil))
	assert.Equal(t, []event.Event{e3}, collect(table, []any{"5"}, nil))
	assert.Empty(t, collect(table, []any{nil}, nil))

	table.Remove(e1)
	table.Remove(tev(map[string]any{"k": int64(5)}))
	assert.Equal(t, []event.Event{e2}, collect(table, []any{5}, nil))
	assert.Equal(t, 2, table.Len())
}

func TestUniqueHashTable(t *testing.T) {
	table := NewEventTable(IndexSpec{HashProps: []string{"k"}, Unique: true})
	e1 := tev(map[string]any{"k": "x"})
	e2 := tev(map[string]any{"k": "x"})
	table.Add(e1)
	table.Add(e2)
	table.Remove(e1)

	assert.Equal(t, []event.Event{e2}, collect(table, []any{"x"}, nil))
	table.Remove(e2)
	assert.Zero(t, table.Len())
}

func TestUniqueHashTable_DuplicateKeysKeepJoining(t *testing.T) {
	table := NewEventTable(IndexSpec{HashProps: []string{"k"}, Unique: true})
	e1 := tev(map[string]any{"k": "x"})
	e2 := tev(map[string]any{"k": "x"})
	e3 := tev(map[string]any{"k": "x"})
	for _, ev := range []event.Event{e1, e2, e3} {
		table.Add(ev)
	}

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []event.Event{e1, e2, e3}, collect(table, []any{"x"}, nil))

	table.Remove(e2)
	assert.Equal(t, []event.Event{e1, e3}, collect(table, []any{"x"}, nil))
	table.Remove(e2)
	assert.Equal(t, 2, table.Len())

	table.Remove(e1)
	assert.Equal(t, []event.Event{e3}, collect(table, []any{"x"}, nil))
	table.Remove(e3)
	assert.Zero(t, table.Len())
	assert.Empty(t, collect(table, []any{"x"}, nil))
}

func TestSortedTable(t *testing.T) {
	table := NewEventTable(IndexSpec{RangeProp: "v"})
	assert.Equal(t, Sorted, table.Kind())
	byValue := map[int64]event.Event{}
	for _, v := range []int64{5, 1, 3, 2, 4} {
		byValue[v] = tev(map[string]any{"v": v})
		table.Add(byValue[v])
	}
	str := tev(map[string]any{"v": "3"})
	table.Add(str)
	table.Add(tev(map[string]any{}))

	pick := func(vs ...int64) []event.Event {
		out := make([]event.Event, len(vs))
		for i, v := range vs {
			out[i] = byValue[v]
		}
		return out
	}

	tests := []struct {
		name string
		q    RangeQuery
		want []event.Event
	}{
		{"lt", RangeQuery{Op: expr.OpLt, Value: 3}, pick(1, 2)},
		{"le", RangeQuery{Op: expr.OpLe, Value: 3.0}, pick(1, 2, 3)},
		{"gt", RangeQuery{Op: expr.OpGt, Value: 3}, pick(4, 5)},
		{"ge", RangeQuery{Op: expr.OpGe, Value: int64(3)}, pick(3, 4, 5)},
		{"closed", RangeQuery{Between: true, Lo: 2, Hi: 4}, pick(2, 3, 4)},
		{"open", RangeQuery{Between: true, Lo: 2, Hi: 4, LoOpen: true, HiOpen: true}, pick(3)},
		{"reversed", RangeQuery{Between: true, Lo: 4, Hi: 2}, pick(2, 3, 4)},
		{"null bound", RangeQuery{Between: true, Lo: nil, Hi: 2}, nil},
		{"string", RangeQuery{Op: expr.OpGe, Value: "3"}, []event.Event{str}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.q
			assert.Equal(t, tt.want, collect(table, nil, &q))
		})
	}

	table.Remove(byValue[3])
	q := RangeQuery{Between: true, Lo: 2, Hi: 4}
	assert.Equal(t, pick(2, 4), collect(table, nil, &q))
}

func TestCompositeTable(t *testing.T) {
	table := NewEventTable(IndexSpec{HashProps: []string{"k"}, RangeProp: "v"})
	assert.Equal(t, Composite, table.Kind())
	x1 := tev(map[string]any{"k": "x", "v": 1})
	x5 := tev(map[string]any{"k": "x", "v": 5})
	y1 := tev(map[string]any{"k": "y", "v": 1})
	for _, ev := range []event.Event{x1, x5, y1} {
		table.Add(ev)
	}

	q := RangeQuery{Op: expr.OpLt, Value: 3}
	assert.Equal(t, []event.Event{x1}, collect(table, []any{"x"}, &q))
	assert.Equal(t, 3, table.Len())

	table.Remove(x1)
	assert.Empty(t, collect(table, []any{"x"}, &q))
	assert.Equal(t, 2, table.Len())
}
