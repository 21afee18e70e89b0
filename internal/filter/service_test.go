package filter

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

var quoteType = event.NewType("Quote", map[string]event.Kind{
	"symbol": event.KindString,
	"price":  event.KindFloat,
	"volume": event.KindInt,
	"venue":  event.KindString,
})

func quote(symbol string, price float64, volume int64) event.Event {
	return event.NewMapEvent(quoteType, map[string]any{"symbol": symbol, "price": price, "volume": volume})
}

func names(handles []*Handle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.Owner.(string)
	}
	sort.Strings(out)
	return out
}

func TestService_AddMatchRemove(t *testing.T) {
	svc := NewService()
	ibm := NewHandle("ibm", nil)
	cheap := NewHandle("cheap", nil)
	ibmCheap := NewHandle("ibm-cheap", nil)
	all := NewHandle("all", nil)

	require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"}), ibm))
	require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "price", Op: OpLess, Value: 10}), cheap))
	ibmCheapSpec := MustSpec(quoteType,
		Param{Property: "price", Op: OpLess, Value: 10},
		Param{Property: "symbol", Op: OpEqual, Value: "IBM"},
	)
	require.NoError(t, svc.Add(ibmCheapSpec, ibmCheap))
	require.NoError(t, svc.Add(MustSpec(quoteType), all))

	assert.Equal(t, []string{"all", "cheap", "ibm", "ibm-cheap"}, names(svc.Match(quote("IBM", 5, 1), nil)))
	assert.Equal(t, []string{"all", "ibm"}, names(svc.Match(quote("IBM", 50, 1), nil)))
	assert.Equal(t, []string{"all", "cheap"}, names(svc.Match(quote("MSFT", 9.99, 1), nil)))

	require.NoError(t, svc.Remove(ibmCheapSpec, ibmCheap))
	assert.Equal(t, []string{"all", "cheap", "ibm"}, names(svc.Match(quote("IBM", 5, 1), nil)))

	other := event.NewMapEvent(event.NewType("Order", nil), map[string]any{"symbol": "IBM"})
	assert.Empty(t, svc.Match(other, nil))
}

func TestService_NumericKeysUnify(t *testing.T) {
	svc := NewService()
	h := NewHandle("h", nil)
	require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "volume", Op: OpEqual, Value: 100}), h))

	assert.Len(t, svc.Match(quote("X", 1, 100), nil), 1)
	ev := event.NewMapEvent(quoteType, map[string]any{"volume": 100.0})
	assert.Len(t, svc.Match(ev, nil), 1)
}

func TestService_LargeIntegerKeysStayDistinct(t *testing.T) {
	const big = int64(1 << 53)
	testCases := []struct {
		name  string
		param Param
	}{
		{"equal", Param{Property: "volume", Op: OpEqual, Value: big + 1}},
		{"in", Param{Property: "volume", Op: OpIn, Values: []any{big + 1, big + 3}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService()
			require.NoError(t, svc.Add(MustSpec(quoteType, tc.param), NewHandle("h", nil)))

			assert.Empty(t, svc.Match(quote("X", 1, big), nil))
			assert.Len(t, svc.Match(quote("X", 1, big+1), nil), 1)
		})
	}

	svc := NewService()
	require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "volume", Op: OpNotIn, Values: []any{big}}), NewHandle("h", nil)))
	assert.Len(t, svc.Match(quote("X", 1, big+1), nil), 1)
	assert.Empty(t, svc.Match(quote("X", 1, big), nil))
}

func TestService_NaNTagValueMatchesNothing(t *testing.T) {
	svc := NewService()
	spec := MustSpec(quoteType, Param{Property: "price", Op: OpEqual, Ref: &TagRef{Tag: "a", Property: "price"}})
	nan := quote("IBM", math.NaN(), 0)
	resolved := spec.Resolve(func(string) event.Event { return nan })
	h := NewHandle("h", nil)

	require.NoError(t, svc.Add(resolved, h))
	assert.Empty(t, svc.Match(nan, nil))
	assert.Empty(t, svc.Match(quote("IBM", 1, 0), nil))

	require.NoError(t, svc.Remove(resolved, h))
	assert.Equal(t, Stats{}, svc.Stats())
}

func TestService_PrunesTypeRoots(t *testing.T) {
	svc := NewService()
	orderType := event.NewType("Order", map[string]event.Kind{"id": event.KindInt})
	a := MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"})
	b := MustSpec(orderType)
	ha, hb := NewHandle("a", nil), NewHandle("b", nil)

	require.NoError(t, svc.Add(a, ha))
	require.NoError(t, svc.Add(b, hb))
	assert.Equal(t, 2, svc.Stats().Types)

	require.NoError(t, svc.Remove(a, ha))
	assert.Equal(t, Stats{Handles: 1, Types: 1, Nodes: 1}, svc.Stats())

	require.NoError(t, svc.Remove(b, hb))
	assert.Equal(t, Stats{}, svc.Stats())

	require.NoError(t, svc.Add(a, ha))
	assert.Len(t, svc.Match(quote("IBM", 1, 1), nil), 1)
}

func TestService_NullNeverMatchesIndexedConstraints(t *testing.T) {
	svc := NewService()
	ops := []Param{
		{Property: "venue", Op: OpEqual, Value: "X"},
		{Property: "venue", Op: OpNotEqual, Value: "X"},
		{Property: "venue", Op: OpGreater, Value: "A"},
		{Property: "venue", Op: OpRangeClosed, Lo: "A", Hi: "Z"},
		{Property: "venue", Op: OpNotRangeClosed, Lo: "A", Hi: "B"},
		{Property: "venue", Op: OpIn, Values: []any{"X", "Y"}},
		{Property: "venue", Op: OpNotIn, Values: []any{"X", "Y"}},
		{Property: "venue", Op: OpIsNotNull},
	}
	for i, p := range ops {
		require.NoError(t, svc.Add(MustSpec(quoteType, p), NewHandle(fmt.Sprint(i), nil)))
	}
	isNull := NewHandle("null", nil)
	require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "venue", Op: OpIsNull}), isNull))

	assert.Equal(t, []string{"null"}, names(svc.Match(quote("IBM", 1, 1), nil)))
}

func TestService_RangeBoundaries(t *testing.T) {
	testCases := []struct {
		op    Op
		value float64
		want  bool
	}{
		{OpRangeClosed, 1, true},
		{OpRangeClosed, 5, true},
		{OpRangeClosed, 3, true},
		{OpRangeClosed, 0.9, false},
		{OpRangeClosed, 5.1, false},
		{OpRangeOpen, 1, false},
		{OpRangeOpen, 5, false},
		{OpRangeOpen, 3, true},
		{OpRangeHalfOpen, 1, true},
		{OpRangeHalfOpen, 5, false},
		{OpRangeHalfClosed, 1, false},
		{OpRangeHalfClosed, 5, true},
	}

	inverted := map[Op]Op{
		OpRangeClosed:     OpNotRangeClosed,
		OpRangeOpen:       OpNotRangeOpen,
		OpRangeHalfOpen:   OpNotRangeHalfOpen,
		OpRangeHalfClosed: OpNotRangeHalfClosed,
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s %v", tc.op, tc.value), func(t *testing.T) {
			svc := NewService()
			require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "price", Op: tc.op, Lo: 1, Hi: 5}), NewHandle("in", nil)))
			require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "price", Op: inverted[tc.op], Lo: 1, Hi: 5}), NewHandle("out", nil)))

			got := names(svc.Match(quote("X", tc.value, 0), nil))
			if tc.want {
				assert.Equal(t, []string{"in"}, got)
			} else {
				assert.Equal(t, []string{"out"}, got)
			}
		})
	}
}

func TestService_RelationalOperators(t *testing.T) {
	svc := NewService()
	for _, c := range []float64{1, 5, 10} {
		for _, op := range []Op{OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual} {
			name := fmt.Sprintf("%s%v", op, c)
			require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "price", Op: op, Value: c}), NewHandle(name, nil)))
		}
	}
	got := names(svc.Match(quote("X", 5, 0), nil))
	assert.Equal(t, []string{"<10", "<=10", "<=5", ">1", ">=1", ">=5"}, got)
}

func TestService_IndexReuse(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Add(MustSpec(quoteType,
		Param{Property: "symbol", Op: OpEqual, Value: "IBM"},
		Param{Property: "volume", Op: OpEqual, Value: 1},
	), NewHandle("a", nil)))
	require.NoError(t, svc.Add(MustSpec(quoteType,
		Param{Property: "volume", Op: OpEqual, Value: 2},
		Param{Property: "symbol", Op: OpEqual, Value: "IBM"},
	), NewHandle("b", nil)))

	stats := svc.Stats()
	// root -> symbol= -> {IBM} -> volume= -> {1, 2}
	assert.Equal(t, 2, stats.Indexes)
	assert.Equal(t, 4, stats.Nodes)
}

func TestService_AddRemoveRestoresState(t *testing.T) {
	svc := NewService()
	keep := MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"})
	require.NoError(t, svc.Add(keep, NewHandle("keep", nil)))
	before := svc.Stats()

	specs := []*Spec{
		MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"}, Param{Property: "price", Op: OpRangeOpen, Lo: 1, Hi: 2}),
		MustSpec(quoteType, Param{Property: "venue", Op: OpIn, Values: []any{"A", "B"}}),
		MustSpec(quoteType, Param{Op: OpBoolean, Expr: expr.Cmp(expr.OpGt, expr.P("volume"), expr.C(5))}),
	}
	handles := make([]*Handle, len(specs))
	for i, s := range specs {
		handles[i] = NewHandle(fmt.Sprint(i), nil)
		require.NoError(t, svc.Add(s, handles[i]))
	}
	for i, s := range specs {
		require.NoError(t, svc.Remove(s, handles[i]))
	}

	assert.Equal(t, before, svc.Stats())
	ev := event.NewMapEvent(quoteType, map[string]any{"symbol": "IBM", "price": 1.5, "venue": "A", "volume": int64(10)})
	assert.Equal(t, []string{"keep"}, names(svc.Match(ev, nil)))
}

func TestService_StructuralErrors(t *testing.T) {
	svc := NewService()
	spec := MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"})
	h := NewHandle("h", nil)

	require.NoError(t, svc.Add(spec, h))
	assert.ErrorIs(t, svc.Add(spec, h), ErrDuplicateHandle)

	other := MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"})
	assert.ErrorIs(t, svc.Remove(other, h), ErrHandleNotFound)

	require.NoError(t, svc.Remove(spec, h))
	assert.ErrorIs(t, svc.Remove(spec, h), ErrHandleNotFound)
}

func TestService_BooleanWithBoundTags(t *testing.T) {
	svc := NewService()
	spec := MustSpec(quoteType,
		Param{Property: "symbol", Op: OpEqual, Ref: &TagRef{Tag: "a", Property: "symbol"}},
		Param{Op: OpBoolean, Tags: []string{"a"}, Expr: expr.Cmp(expr.OpGt, expr.P("price"), expr.Prop{Stream: 1, Path: "price"})},
	)
	require.True(t, spec.HasRefs())
	assert.Equal(t, []string{"a"}, spec.Tags())
	assert.Error(t, svc.Add(spec, NewHandle("unresolved", nil)))

	first := quote("IBM", 10, 0)
	resolved := spec.Resolve(func(tag string) event.Event {
		if tag == "a" {
			return first
		}
		return nil
	})
	require.NoError(t, svc.Add(resolved, NewHandle("rise", nil)))

	assert.Len(t, svc.Match(quote("IBM", 11, 0), nil), 1)
	assert.Empty(t, svc.Match(quote("IBM", 9, 0), nil))
	assert.Empty(t, svc.Match(quote("MSFT", 11, 0), nil))
}

func TestNewSpec_Validation(t *testing.T) {
	testCases := []struct {
		name  string
		param Param
	}{
		{"unknown property", Param{Property: "bid", Op: OpEqual, Value: 1}},
		{"kind mismatch", Param{Property: "price", Op: OpEqual, Value: "high"}},
		{"null operand", Param{Property: "price", Op: OpLess}},
		{"empty in list", Param{Property: "symbol", Op: OpIn}},
		{"unknown operator", Param{Property: "symbol", Op: "~"}},
		{"boolean without expr", Param{Op: OpBoolean}},
		{"unindexable value", Param{Property: "venue", Op: OpEqual, Value: []string{"a"}}},
		{"NaN operand", Param{Property: "price", Op: OpEqual, Value: math.NaN()}},
		{"NaN in list", Param{Property: "price", Op: OpIn, Values: []any{1.0, math.NaN()}}},
		{"NaN range bound", Param{Property: "price", Op: OpRangeClosed, Lo: math.NaN(), Hi: 2.0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSpec(quoteType, tc.param)
			require.Error(t, err)
			assert.True(t, expr.IsValidationError(err))
		})
	}
}

func TestNewSpec_OrdersByCost(t *testing.T) {
	spec := MustSpec(quoteType,
		Param{Op: OpBoolean, Expr: expr.C(true)},
		Param{Property: "venue", Op: OpNotEqual, Value: "X"},
		Param{Property: "price", Op: OpGreater, Value: 1},
		Param{Property: "symbol", Op: OpEqual, Value: "IBM"},
	)
	ops := make([]Op, len(spec.Params))
	for i, p := range spec.Params {
		ops[i] = p.Op
	}
	assert.Equal(t, []Op{OpEqual, OpGreater, OpNotEqual, OpBoolean}, ops)
}

// randomParam draws a constraint over small value domains so that filters
// overlap heavily.
func randomParam(r *rand.Rand) Param {
	v := func() float64 { return float64(r.Intn(6)) }
	switch r.Intn(9) {
	case 0:
		return Param{Property: "price", Op: OpEqual, Value: v()}
	case 1:
		return Param{Property: "price", Op: OpNotEqual, Value: v()}
	case 2:
		return Param{Property: "price", Op: []Op{OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual}[r.Intn(4)], Value: v()}
	case 3:
		ops := []Op{OpRangeClosed, OpRangeOpen, OpRangeHalfOpen, OpRangeHalfClosed, OpNotRangeClosed, OpNotRangeOpen, OpNotRangeHalfOpen, OpNotRangeHalfClosed}
		return Param{Property: "price", Op: ops[r.Intn(len(ops))], Lo: v(), Hi: v()}
	case 4:
		return Param{Property: "symbol", Op: OpIn, Values: []any{string(rune('A' + r.Intn(3))), string(rune('A' + r.Intn(3)))}}
	case 5:
		return Param{Property: "symbol", Op: OpNotIn, Values: []any{string(rune('A' + r.Intn(3)))}}
	case 6:
		return Param{Property: "venue", Op: []Op{OpIsNull, OpIsNotNull}[r.Intn(2)]}
	case 7:
		return Param{Property: "symbol", Op: OpEqual, Value: string(rune('A' + r.Intn(3)))}
	}
	return Param{Op: OpBoolean, Expr: expr.Cmp(expr.OpLt, expr.P("volume"), expr.C(r.Intn(4)))}
}

// satisfies evaluates a spec without the index.
func satisfies(spec *Spec, ev event.Event) bool {
	ctx := expr.NewContext(ev)
	for _, p := range spec.Params {
		var n expr.Node
		prop := expr.P(p.Property)
		switch {
		case p.Op == OpBoolean:
			n = p.Expr
		case p.Op.isRelational() || p.Op == OpEqual || p.Op == OpNotEqual:
			n = expr.Cmp(expr.CompareOp(p.Op), prop, expr.C(p.Value))
		case p.Op.isRange() || p.Op.isNotRange():
			lo, hi := p.Op.bounds()
			n = expr.Between{Operand: prop, Lo: expr.C(p.Lo), Hi: expr.C(p.Hi), LoOpen: lo, HiOpen: hi, Negate: p.Op.isNotRange()}
		case p.Op == OpIn || p.Op == OpNotIn:
			values := make([]expr.Node, len(p.Values))
			for i, v := range p.Values {
				values[i] = expr.C(v)
			}
			n = expr.In{Operand: prop, Values: values, Negate: p.Op == OpNotIn}
		case p.Op == OpIsNull || p.Op == OpIsNotNull:
			n = expr.IsNull{Operand: prop, Negate: p.Op == OpIsNotNull}
		}
		if !expr.EvalBool(n, ctx) {
			return false
		}
	}
	return true
}

func TestService_MatchesExactlyTheSatisfiedFilters(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	specs := make([]*Spec, 200)
	handles := make([]*Handle, len(specs))
	for i := range specs {
		params := make([]Param, 1+r.Intn(3))
		for j := range params {
			params[j] = randomParam(r)
		}
		specs[i] = MustSpec(quoteType, params...)
		handles[i] = NewHandle(fmt.Sprintf("f%03d", i), nil)
	}

	events := make([]event.Event, 100)
	for i := range events {
		data := map[string]any{
			"price":  float64(r.Intn(7)) - 0.5*float64(r.Intn(2)),
			"symbol": string(rune('A' + r.Intn(4))),
			"volume": int64(r.Intn(5)),
		}
		if r.Intn(2) == 0 {
			data["venue"] = "V"
		}
		events[i] = event.NewMapEvent(quoteType, data)
	}

	forward := NewService()
	for i := range specs {
		require.NoError(t, forward.Add(specs[i], handles[i]))
	}
	shuffled := NewService()
	for _, i := range r.Perm(len(specs)) {
		require.NoError(t, shuffled.Add(specs[i], handles[i]))
	}

	for i, ev := range events {
		var want []string
		for j, s := range specs {
			if satisfies(s, ev) {
				want = append(want, handles[j].Owner.(string))
			}
		}
		if want == nil {
			want = []string{}
		}
		assert.Equal(t, want, names(forward.Match(ev, nil)), "event %d", i)
		assert.Equal(t, want, names(shuffled.Match(ev, nil)), "event %d (shuffled)", i)
	}
}

func TestService_ConcurrentAddRemoveMatch(t *testing.T) {
	svc := NewService()
	stable := NewHandle("stable", nil)
	require.NoError(t, svc.Add(MustSpec(quoteType, Param{Property: "symbol", Op: OpEqual, Value: "IBM"}), stable))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				spec := MustSpec(quoteType,
					Param{Property: "symbol", Op: OpEqual, Value: "IBM"},
					Param{Property: "volume", Op: OpEqual, Value: w*1000 + i},
				)
				h := NewHandle(fmt.Sprintf("w%d-%d", w, i), nil)
				assert.NoError(t, svc.Add(spec, h))
				assert.NotEmpty(t, svc.Match(quote("IBM", 1, int64(w*1000+i)), nil))
				assert.NoError(t, svc.Remove(spec, h))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, svc.Len())
	assert.Equal(t, []string{"stable"}, names(svc.Match(quote("IBM", 1, 5), nil)))
	assert.Equal(t, Stats{Handles: 1, Types: 1, Indexes: 1, Nodes: 2}, svc.Stats())
}
