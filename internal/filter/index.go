package filter

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// entry is one constraint value of an index and the node holding everything
// registered beneath it.
type entry struct {
	key   any
	param Param
	node  *node
	refs  int

	// lo and hi are the normalised bounds of range entries, lo <= hi.
	lo, hi any
	// set holds the normalised values of in / not in entries.
	set map[any]struct{}
}

// index covers one (property, operator) pair of a node.
type index struct {
	property string
	op       Op

	// refs counts registrations through this index; guarded by the owning
	// node's lock.
	refs int

	mu      sync.RWMutex
	entries map[any]*entry
	// list keeps entries in insertion order for scans.
	list []*entry
	// sorted orders relational entries by value and range entries by lo.
	sorted []*entry
	// byValue maps each value of an in-list to its entries.
	byValue map[any][]*entry
}

func newIndex(property string, op Op) *index {
	idx := &index{property: property, op: op, entries: make(map[any]*entry)}
	if op == OpIn {
		idx.byValue = make(map[any][]*entry)
	}
	return idx
}

func (idx *index) covers(p Param) bool {
	if p.Op != idx.op {
		return false
	}
	return p.Op == OpBoolean || p.Property == idx.property
}

func (idx *index) String() string {
	if idx.op == OpBoolean {
		return "expr"
	}
	return fmt.Sprintf("%s %s", idx.property, idx.op)
}

// entryKey computes the key under which p is stored.
func entryKey(p Param) any {
	switch {
	case p.Op == OpIsNull || p.Op == OpIsNotNull:
		return struct{}{}
	case p.Op == OpBoolean:
		var b strings.Builder
		b.WriteString(expr.String(p.Expr))
		for _, ev := range p.bound {
			fmt.Fprintf(&b, "|%p", ev)
		}
		return b.String()
	case p.Op == OpIn || p.Op == OpNotIn:
		keys := make([]string, 0, len(p.Values))
		for _, v := range p.Values {
			keys = append(keys, string(expr.NewMultiKey(v)))
		}
		sort.Strings(keys)
		return expr.MultiKey(strings.Join(keys, "\x1e"))
	case p.Op.isRange() || p.Op.isNotRange():
		lo, hi := orderedBounds(p.Lo, p.Hi)
		return expr.NewMultiKey(lo, hi)
	}
	if k, ok := hashKey(p.Value); ok {
		return k
	}
	return nullKey{}
}

type nullKey struct{}

func hashKey(v any) (any, bool) {
	k := expr.NormalizeKey(v)
	if k == nil || !reflect.TypeOf(k).Comparable() {
		return nil, false
	}
	return k, true
}

func orderedBounds(lo, hi any) (any, any) {
	lo, hi = expr.NormalizeKey(lo), expr.NormalizeKey(hi)
	if c, ok := expr.CompareValues(lo, hi); ok && c > 0 {
		return hi, lo
	}
	return lo, hi
}

// acquire returns the child node for p, creating the entry when needed, and
// takes a reference on it.
func (idx *index) acquire(p Param) (*node, any) {
	key := entryKey(p)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[key]
	if !ok {
		e = &entry{key: key, param: p, node: newNode()}
		idx.insert(e)
	}
	e.refs++
	return e.node, key
}

// release drops a reference on the entry under key and deletes it when no
// registration passes through it anymore.
func (idx *index) release(key any) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	idx.delete(e)
}

func (idx *index) insert(e *entry) {
	p := e.param
	idx.entries[e.key] = e
	idx.list = append(idx.list, e)
	switch {
	case idx.op.isRelational():
		e.lo = expr.NormalizeKey(p.Value)
		idx.insertSorted(e)
	case idx.op.isRange():
		e.lo, e.hi = orderedBounds(p.Lo, p.Hi)
		idx.insertSorted(e)
	case idx.op.isNotRange():
		e.lo, e.hi = orderedBounds(p.Lo, p.Hi)
	case idx.op == OpIn || idx.op == OpNotIn:
		e.set = make(map[any]struct{}, len(p.Values))
		for _, v := range p.Values {
			k, ok := hashKey(v)
			if !ok {
				continue
			}
			if _, dup := e.set[k]; dup {
				continue
			}
			e.set[k] = struct{}{}
			if idx.byValue != nil {
				idx.byValue[k] = append(idx.byValue[k], e)
			}
		}
	}
}

func (idx *index) insertSorted(e *entry) {
	i := sort.Search(len(idx.sorted), func(i int) bool {
		return orderKeys(idx.sorted[i].lo, e.lo) > 0
	})
	idx.sorted = append(idx.sorted, nil)
	copy(idx.sorted[i+1:], idx.sorted[i:])
	idx.sorted[i] = e
}

func (idx *index) delete(e *entry) {
	delete(idx.entries, e.key)
	idx.list = removeEntry(idx.list, e)
	if idx.sorted != nil {
		idx.sorted = removeEntry(idx.sorted, e)
	}
	if idx.byValue != nil {
		for k := range e.set {
			rest := removeEntry(idx.byValue[k], e)
			if len(rest) == 0 {
				delete(idx.byValue, k)
			} else {
				idx.byValue[k] = rest
			}
		}
	}
}

func removeEntry(list []*entry, e *entry) []*entry {
	for i, x := range list {
		if x == e {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}

// match appends the handles beneath every entry ev satisfies.
func (idx *index) match(ev event.Event, out []*Handle) []*Handle {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.op == OpBoolean {
		for _, e := range idx.list {
			ctx := &expr.Context{Events: append([]event.Event{ev}, e.param.bound...)}
			if expr.EvalBool(e.param.Expr, ctx) {
				out = e.node.match(ev, out)
			}
		}
		return out
	}

	v := ev.Get(idx.property)
	switch idx.op {
	case OpIsNull:
		if v == nil {
			out = idx.matchAll(ev, out)
		}
		return out
	case OpIsNotNull:
		if v != nil {
			out = idx.matchAll(ev, out)
		}
		return out
	}
	if v == nil {
		return out
	}

	switch {
	case idx.op == OpEqual:
		if k, ok := hashKey(v); ok {
			if e := idx.entries[k]; e != nil {
				out = e.node.match(ev, out)
			}
		}
	case idx.op == OpNotEqual:
		for _, e := range idx.list {
			if _, isNull := e.key.(nullKey); isNull {
				continue
			}
			if c, ok := expr.CompareValues(v, e.key); ok {
				if c != 0 {
					out = e.node.match(ev, out)
				}
			} else if !reflect.DeepEqual(expr.NormalizeKey(v), e.key) {
				out = e.node.match(ev, out)
			}
		}
	case idx.op == OpIn:
		if k, ok := hashKey(v); ok {
			for _, e := range idx.byValue[k] {
				out = e.node.match(ev, out)
			}
		}
	case idx.op == OpNotIn:
		k, ok := hashKey(v)
		for _, e := range idx.list {
			if !ok {
				break
			}
			if _, in := e.set[k]; !in {
				out = e.node.match(ev, out)
			}
		}
	case idx.op.isRelational():
		out = idx.matchRelational(v, ev, out)
	case idx.op.isRange():
		loOpen, hiOpen := idx.op.bounds()
		end := sort.Search(len(idx.sorted), func(i int) bool {
			return orderKeys(idx.sorted[i].lo, v) > 0
		})
		for _, e := range idx.sorted[:end] {
			if in, ok := expr.InRange(v, e.lo, e.hi, loOpen, hiOpen); ok && in {
				out = e.node.match(ev, out)
			}
		}
	case idx.op.isNotRange():
		loOpen, hiOpen := idx.op.bounds()
		for _, e := range idx.list {
			if in, ok := expr.InRange(v, e.lo, e.hi, loOpen, hiOpen); ok && !in {
				out = e.node.match(ev, out)
			}
		}
	}
	return out
}

// matchRelational finds entries whose constant c satisfies "v op c" with a
// binary search over the entries sorted by c.
func (idx *index) matchRelational(v any, ev event.Event, out []*Handle) []*Handle {
	n := len(idx.sorted)
	var from, to int
	switch idx.op {
	case OpGreater: // v > c
		to = sort.Search(n, func(i int) bool { return orderKeys(idx.sorted[i].lo, v) >= 0 })
	case OpGreaterOrEqual: // v >= c
		to = sort.Search(n, func(i int) bool { return orderKeys(idx.sorted[i].lo, v) > 0 })
	case OpLess: // v < c
		from = sort.Search(n, func(i int) bool { return orderKeys(idx.sorted[i].lo, v) > 0 })
		to = n
	case OpLessOrEqual: // v <= c
		from = sort.Search(n, func(i int) bool { return orderKeys(idx.sorted[i].lo, v) >= 0 })
		to = n
	}
	for _, e := range idx.sorted[from:to] {
		if _, ok := expr.CompareValues(v, e.lo); ok {
			out = e.node.match(ev, out)
		}
	}
	return out
}

func (idx *index) matchAll(ev event.Event, out []*Handle) []*Handle {
	for _, e := range idx.list {
		out = e.node.match(ev, out)
	}
	return out
}

// orderKeys is a total order over index keys: values comparable with each
// other use their natural order; otherwise numbers sort before strings,
// strings before booleans and booleans before anything else.
func orderKeys(a, b any) int {
	if c, ok := expr.CompareValues(a, b); ok {
		return c
	}
	ra, rb := keyRank(a), keyRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func keyRank(v any) int {
	switch v.(type) {
	case nil:
		return 4
	case string:
		return 1
	case bool:
		return 2
	}
	if expr.IsNumber(v) {
		return 0
	}
	return 3
}
