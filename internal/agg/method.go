package agg

import (
	"math"
	"sort"

	"github.com/roach88/esq/internal/expr"
)

// Method is the state of one aggregate for one group. Null values are
// ignored by every method.
type Method interface {
	Enter(v any)
	Leave(v any)
	Value() any
	Clear()
}

type count struct {
	n int64
}

func (m *count) Enter(v any) {
	if v != nil {
		m.n++
	}
}

func (m *count) Leave(v any) {
	if v != nil && m.n > 0 {
		m.n--
	}
}

func (m *count) Value() any { return m.n }
func (m *count) Clear()     { m.n = 0 }

// sum stays integral until a non-integral value enters.
type sum struct {
	n      int64
	ints   int64
	floats float64
	nFloat int64
}

func (m *sum) Enter(v any) {
	if i, ok := expr.ToInt(v); ok {
		m.ints += i
		m.n++
		return
	}
	if f, ok := expr.ToFloat(v); ok {
		m.floats += f
		m.nFloat++
		m.n++
	}
}

func (m *sum) Leave(v any) {
	if i, ok := expr.ToInt(v); ok {
		m.ints -= i
		m.n--
		return
	}
	if f, ok := expr.ToFloat(v); ok {
		m.floats -= f
		m.nFloat--
		m.n--
	}
	if m.nFloat == 0 {
		m.floats = 0
	}
}

func (m *sum) Value() any {
	if m.n == 0 {
		return nil
	}
	if m.nFloat == 0 {
		return m.ints
	}
	return m.floats + float64(m.ints)
}

func (m *sum) Clear() { *m = sum{} }

type avg struct {
	n   int64
	sum float64
}

func (m *avg) Enter(v any) {
	if f, ok := expr.ToFloat(v); ok {
		m.sum += f
		m.n++
	}
}

func (m *avg) Leave(v any) {
	if f, ok := expr.ToFloat(v); ok && m.n > 0 {
		m.sum -= f
		m.n--
		if m.n == 0 {
			m.sum = 0
		}
	}
}

func (m *avg) Value() any {
	if m.n == 0 {
		return nil
	}
	return m.sum / float64(m.n)
}

func (m *avg) Clear() { *m = avg{} }

// stddev is the sample standard deviation, maintained with Welford's
// update and its inverse on leave.
type stddev struct {
	n    int64
	mean float64
	m2   float64
}

func (m *stddev) Enter(v any) {
	x, ok := expr.ToFloat(v)
	if !ok {
		return
	}
	m.n++
	delta := x - m.mean
	m.mean += delta / float64(m.n)
	m.m2 += delta * (x - m.mean)
}

func (m *stddev) Leave(v any) {
	x, ok := expr.ToFloat(v)
	if !ok || m.n == 0 {
		return
	}
	if m.n == 1 {
		*m = stddev{}
		return
	}
	prev := m.mean
	m.n--
	m.mean = (prev*float64(m.n+1) - x) / float64(m.n)
	m.m2 -= (x - m.mean) * (x - prev)
	if m.m2 < 0 {
		m.m2 = 0
	}
}

func (m *stddev) Value() any {
	if m.n < 2 {
		return nil
	}
	return math.Sqrt(m.m2 / float64(m.n-1))
}

func (m *stddev) Clear() { *m = stddev{} }

// sortedFloats is a multiset of float values in ascending order.
type sortedFloats []float64

func (s *sortedFloats) add(x float64) {
	i := sort.SearchFloat64s(*s, x)
	*s = append(*s, 0)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = x
}

func (s *sortedFloats) remove(x float64) {
	i := sort.SearchFloat64s(*s, x)
	if i < len(*s) && (*s)[i] == x {
		*s = append((*s)[:i], (*s)[i+1:]...)
	}
}

// avedev is the mean absolute deviation from the mean.
type avedev struct {
	values sortedFloats
	sum    float64
}

func (m *avedev) Enter(v any) {
	if x, ok := expr.ToFloat(v); ok {
		m.values.add(x)
		m.sum += x
	}
}

func (m *avedev) Leave(v any) {
	if x, ok := expr.ToFloat(v); ok {
		n := len(m.values)
		m.values.remove(x)
		if len(m.values) < n {
			m.sum -= x
		}
	}
}

func (m *avedev) Value() any {
	n := len(m.values)
	if n == 0 {
		return nil
	}
	mean := m.sum / float64(n)
	var dev float64
	for _, x := range m.values {
		dev += math.Abs(x - mean)
	}
	return dev / float64(n)
}

func (m *avedev) Clear() { *m = avedev{} }

type median struct {
	values sortedFloats
}

func (m *median) Enter(v any) {
	if x, ok := expr.ToFloat(v); ok && !math.IsNaN(x) {
		m.values.add(x)
	}
}

func (m *median) Leave(v any) {
	if x, ok := expr.ToFloat(v); ok {
		m.values.remove(x)
	}
}

func (m *median) Value() any {
	n := len(m.values)
	switch {
	case n == 0:
		return nil
	case n%2 == 1:
		return m.values[n/2]
	}
	return (m.values[n/2-1] + m.values[n/2]) / 2
}

func (m *median) Clear() { m.values = nil }

// extreme tracks min or max over a sorted multiset so that leaving values
// can be undone.
type extreme struct {
	max    bool
	values []any
}

func (m *extreme) search(v any) int {
	return sort.Search(len(m.values), func(i int) bool {
		c, _ := expr.CompareValues(m.values[i], v)
		return c >= 0
	})
}

func (m *extreme) Enter(v any) {
	if v == nil {
		return
	}
	i := m.search(v)
	m.values = append(m.values, nil)
	copy(m.values[i+1:], m.values[i:])
	m.values[i] = v
}

func (m *extreme) Leave(v any) {
	if v == nil {
		return
	}
	for i := m.search(v); i < len(m.values); i++ {
		c, ok := expr.CompareValues(m.values[i], v)
		if !ok || c > 0 {
			return
		}
		if c == 0 {
			m.values = append(m.values[:i], m.values[i+1:]...)
			return
		}
	}
}

func (m *extreme) Value() any {
	if len(m.values) == 0 {
		return nil
	}
	if m.max {
		return m.values[len(m.values)-1]
	}
	return m.values[0]
}

func (m *extreme) Clear() { m.values = nil }

// firstLast reports the oldest or newest value still held.
type firstLast struct {
	last   bool
	values []any
}

func (m *firstLast) Enter(v any) {
	if v != nil {
		m.values = append(m.values, v)
	}
}

func (m *firstLast) Leave(v any) {
	for i, x := range m.values {
		if expr.Equal(x, v) {
			m.values = append(m.values[:i], m.values[i+1:]...)
			return
		}
	}
}

func (m *firstLast) Value() any {
	if len(m.values) == 0 {
		return nil
	}
	if m.last {
		return m.values[len(m.values)-1]
	}
	return m.values[0]
}

func (m *firstLast) Clear() { m.values = nil }
