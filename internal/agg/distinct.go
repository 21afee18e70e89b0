package agg

import "github.com/roach88/esq/internal/expr"

// distinct forwards a value to the wrapped method only the first time it
// enters and the last time it leaves.
type distinct struct {
	inner  Method
	counts map[expr.MultiKey]int
}

// Distinct wraps m so that repeated values are counted once.
func Distinct(m Method) Method {
	return &distinct{inner: m, counts: make(map[expr.MultiKey]int)}
}

func (d *distinct) Enter(v any) {
	if v == nil {
		return
	}
	k := expr.NewMultiKey(v)
	d.counts[k]++
	if d.counts[k] == 1 {
		d.inner.Enter(v)
	}
}

func (d *distinct) Leave(v any) {
	if v == nil {
		return
	}
	k := expr.NewMultiKey(v)
	n, ok := d.counts[k]
	if !ok {
		return
	}
	if n == 1 {
		delete(d.counts, k)
		d.inner.Leave(v)
		return
	}
	d.counts[k] = n - 1
}

func (d *distinct) Value() any { return d.inner.Value() }

func (d *distinct) Clear() {
	clear(d.counts)
	d.inner.Clear()
}
