package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want Path
	}{
		{"simple", "price", Path{{Name: "price"}}},
		{"nested", "order.customer", Path{{Name: "order"}, {Name: "customer"}}},
		{"indexed", "items[2]", Path{{Name: "items", Index: 2, HasIndex: true}}},
		{"mapped", "attrs('region')", Path{{Name: "attrs", Key: "region", HasKey: true}}},
		{"double quoted key", `attrs("x")`, Path{{Name: "attrs", Key: "x", HasKey: true}}},
		{"mixed", "a.items[0].name", Path{{Name: "a"}, {Name: "items", Index: 0, HasIndex: true}, {Name: "name"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePath(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, in := range []string{"", "a.", ".a", "a[x]", "a[1", "a(k)", "a('k'", "a[1]b"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParsePath(in)
			assert.Error(t, err)
		})
	}
}

func TestMapEvent_Get(t *testing.T) {
	typ := NewType("Order", nil)
	inner := NewMapEvent(NewType("Customer", nil), map[string]any{"name": "ada"})
	ev := NewMapEvent(typ, map[string]any{
		"id":       int64(7),
		"customer": inner,
		"items":    []any{"a", "b", "c"},
		"attrs":    map[string]any{"region": "eu", "tier": map[string]any{"level": int64(3)}},
		"scores":   []float64{1.5, 2.5},
	})

	assert.Equal(t, int64(7), ev.Get("id"))
	assert.Equal(t, "ada", ev.Get("customer.name"))
	assert.Equal(t, "b", ev.Get("items[1]"))
	assert.Equal(t, "eu", ev.Get("attrs('region')"))
	assert.Equal(t, int64(3), ev.Get("attrs.tier.level"))
	assert.Equal(t, 2.5, ev.Get("scores[1]"))
	assert.Nil(t, ev.Get("items[9]"))
	assert.Nil(t, ev.Get("missing"))
	assert.Nil(t, ev.Get("id.deeper"))
	assert.Equal(t, typ, ev.Type())
}

func TestWrapperEvent_ExtrasShadowBase(t *testing.T) {
	base := NewMapEvent(NewType("Trade", nil), map[string]any{"price": 10.0, "qty": int64(3)})
	wrapped := NewWrapperEvent(NewType("TradeEx", nil), base, map[string]any{
		"notional": 30.0,
		"meta":     map[string]any{"src": "feed"},
	})

	assert.Equal(t, 30.0, wrapped.Get("notional"))
	assert.Equal(t, 10.0, wrapped.Get("price"))
	assert.Equal(t, "feed", wrapped.Get("meta.src"))
	assert.Same(t, base, wrapped.Base())
	assert.Equal(t, base.Underlying(), wrapped.Underlying())
	// base is untouched
	assert.Nil(t, base.Get("notional"))
}

func TestType_PropertyType(t *testing.T) {
	trade := NewType("Trade", map[string]Kind{"price": KindFloat, "symbol": KindString})
	pattern := NewType("Match", map[string]Kind{}).WithEventProperty("a", trade)

	k, ok := trade.PropertyType("price")
	require.True(t, ok)
	assert.Equal(t, KindFloat, k)

	_, ok = trade.PropertyType("volume")
	assert.False(t, ok)

	k, ok = pattern.PropertyType("a.symbol")
	require.True(t, ok)
	assert.Equal(t, KindString, k)

	_, ok = pattern.PropertyType("a.nope")
	assert.False(t, ok)

	k, ok = NewType("Dyn", nil).PropertyType("whatever.deep")
	assert.True(t, ok)
	assert.Equal(t, KindAny, k)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("double")
	require.NoError(t, err)
	assert.Equal(t, KindFloat, k)
	assert.True(t, k.IsNumeric())

	_, err = ParseKind("decimal128")
	assert.Error(t, err)
}

func TestFromMap(t *testing.T) {
	order := NewType("Order", map[string]Kind{"id": KindInt, "px": KindFloat, "sym": KindString})
	pair := NewType("Pair", map[string]Kind{"n": KindInt}).WithEventProperty("o", order)

	ev, err := FromMap(order, map[string]any{"id": 3, "px": 2, "sym": "IBM"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Get("id"))
	assert.Equal(t, float64(2), ev.Get("px"))

	ev, err = FromMap(pair, map[string]any{"n": 1.0, "o": map[string]any{"id": 7}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Get("n"))
	assert.Equal(t, int64(7), ev.Get("o.id"))
	nested, ok := ev.Get("o").(Event)
	require.True(t, ok)
	assert.Equal(t, "Order", nested.Type().Name)

	dyn, err := FromMap(NewType("Any", nil), map[string]any{"x": map[any]any{1: 2}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": int64(2)}, dyn.Get("x"))
}

func TestFromMap_Errors(t *testing.T) {
	order := NewType("Order", map[string]Kind{"id": KindInt, "sym": KindString})

	testCases := []struct {
		name string
		data map[string]any
		want string
	}{
		{"undeclared", map[string]any{"qty": 1}, `undeclared property "qty"`},
		{"fractional int", map[string]any{"id": 1.5}, "Order.id: expected int"},
		{"wrong kind", map[string]any{"sym": 4}, "Order.sym: expected string"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromMap(order, tc.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
