package join

import (
	"log/slog"
	"sort"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// TableKind names the index structure of an event table.
type TableKind int

const (
	Unindexed TableKind = iota
	UniqueHash
	Hash
	Sorted
	Composite
)

func (k TableKind) String() string {
	switch k {
	case Unindexed:
		return "unindexed"
	case UniqueHash:
		return "unique-hash"
	case Hash:
		return "hash"
	case Sorted:
		return "sorted"
	case Composite:
		return "composite"
	}
	return "unknown"
}

// RangeQuery bounds the range property of a sorted or composite lookup.
type RangeQuery struct {
	Op      expr.CompareOp
	Value   any
	Between bool
	Lo, Hi  any
	LoOpen  bool
	HiOpen  bool
}

// EventTable stores the current events of one stream under one index.
// Events whose key properties are null are not indexed: null never joins.
type EventTable interface {
	Kind() TableKind
	Add(ev event.Event)
	// Remove deletes ev by identity. Unknown events are ignored.
	Remove(ev event.Event)
	// Lookup visits the candidates for the given hash key values and
	// range, until fn returns false. Candidates are a superset of the
	// true matches.
	Lookup(keys []any, r *RangeQuery, fn func(event.Event) bool)
	Len() int
}

// NewEventTable returns the table serving spec.
func NewEventTable(spec IndexSpec) EventTable {
	switch spec.Kind() {
	case UniqueHash:
		return &uniqueHashTable{props: spec.HashProps, rows: make(map[expr.MultiKey]event.Event), dups: make(map[expr.MultiKey][]event.Event)}
	case Hash:
		return &hashTable{props: spec.HashProps, rows: make(map[expr.MultiKey][]event.Event)}
	case Sorted:
		return &sortedTable{prop: spec.RangeProp}
	case Composite:
		return &compositeTable{props: spec.HashProps, prop: spec.RangeProp, rows: make(map[expr.MultiKey]*sortedTable)}
	}
	return &unindexedTable{}
}

func hashKey(ev event.Event, props []string) (expr.MultiKey, bool) {
	values := make([]any, len(props))
	for i, p := range props {
		if values[i] = ev.Get(p); values[i] == nil {
			return "", false
		}
	}
	return expr.NewMultiKey(values...), true
}

func lookupKey(keys []any) (expr.MultiKey, bool) {
	for _, k := range keys {
		if k == nil {
			return "", false
		}
	}
	return expr.NewMultiKey(keys...), true
}

func without(events []event.Event, ev event.Event) []event.Event {
	for i, x := range events {
		if x == ev {
			return append(events[:i:i], events[i+1:]...)
		}
	}
	return events
}

type unindexedTable struct {
	events []event.Event
}

func (t *unindexedTable) Kind() TableKind { return Unindexed }
func (t *unindexedTable) Len() int        { return len(t.events) }

func (t *unindexedTable) Add(ev event.Event) {
	t.events = append(t.events, ev)
}

func (t *unindexedTable) Remove(ev event.Event) {
	t.events = without(t.events, ev)
}

func (t *unindexedTable) Lookup(_ []any, _ *RangeQuery, fn func(event.Event) bool) {
	for _, ev := range t.events {
		if !fn(ev) {
			return
		}
	}
}

// uniqueHashTable serves keys declared unique. Live events that still share
// a key are kept aside in dups so that none of them stops joining.
type uniqueHashTable struct {
	props []string
	rows  map[expr.MultiKey]event.Event
	dups  map[expr.MultiKey][]event.Event
	n     int
}

func (t *uniqueHashTable) Kind() TableKind { return UniqueHash }
func (t *uniqueHashTable) Len() int        { return t.n }

func (t *uniqueHashTable) Add(ev event.Event) {
	k, ok := hashKey(ev, t.props)
	if !ok {
		return
	}
	t.n++
	if _, taken := t.rows[k]; !taken {
		t.rows[k] = ev
		return
	}
	slog.Warn("duplicate value for unique join key", "event_type", ev.Type().Name, "properties", t.props)
	t.dups[k] = append(t.dups[k], ev)
}

func (t *uniqueHashTable) Remove(ev event.Event) {
	k, ok := hashKey(ev, t.props)
	if !ok {
		return
	}
	if t.rows[k] == ev {
		t.n--
		rest := t.dups[k]
		if len(rest) == 0 {
			delete(t.rows, k)
			return
		}
		t.rows[k] = rest[0]
		if len(rest) == 1 {
			delete(t.dups, k)
		} else {
			t.dups[k] = rest[1:]
		}
		return
	}
	rest := t.dups[k]
	if after := without(rest, ev); len(after) != len(rest) {
		t.n--
		if len(after) == 0 {
			delete(t.dups, k)
		} else {
			t.dups[k] = after
		}
	}
}

func (t *uniqueHashTable) Lookup(keys []any, _ *RangeQuery, fn func(event.Event) bool) {
	k, ok := lookupKey(keys)
	if !ok {
		return
	}
	ev, ok := t.rows[k]
	if !ok || !fn(ev) {
		return
	}
	for _, d := range t.dups[k] {
		if !fn(d) {
			return
		}
	}
}

type hashTable struct {
	props []string
	rows  map[expr.MultiKey][]event.Event
	n     int
}

func (t *hashTable) Kind() TableKind { return Hash }
func (t *hashTable) Len() int        { return t.n }

func (t *hashTable) Add(ev event.Event) {
	if k, ok := hashKey(ev, t.props); ok {
		t.rows[k] = append(t.rows[k], ev)
		t.n++
	}
}

func (t *hashTable) Remove(ev event.Event) {
	k, ok := hashKey(ev, t.props)
	if !ok {
		return
	}
	events := t.rows[k]
	rest := without(events, ev)
	if len(rest) == len(events) {
		return
	}
	t.n--
	if len(rest) == 0 {
		delete(t.rows, k)
		return
	}
	t.rows[k] = rest
}

func (t *hashTable) Lookup(keys []any, _ *RangeQuery, fn func(event.Event) bool) {
	k, ok := lookupKey(keys)
	if !ok {
		return
	}
	for _, ev := range t.rows[k] {
		if !fn(ev) {
			return
		}
	}
}

type sortedEntry struct {
	key any
	ev  event.Event
}

// sortedTable orders events by one property. Numbers sort before strings;
// values of any other kind sort last and are never returned by a range.
type sortedTable struct {
	prop    string
	entries []sortedEntry
}

func (t *sortedTable) Kind() TableKind { return Sorted }
func (t *sortedTable) Len() int        { return len(t.entries) }

func rank(v any) int {
	switch {
	case expr.IsNumber(v):
		return 0
	case isString(v):
		return 1
	}
	return 2
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// order is a total order over normalized keys.
func order(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	if c, ok := expr.CompareValues(a, b); ok {
		return c
	}
	return 0
}

func (t *sortedTable) Add(ev event.Event) {
	v := ev.Get(t.prop)
	if v == nil {
		return
	}
	key := expr.NormalizeKey(v)
	i := sort.Search(len(t.entries), func(i int) bool { return order(t.entries[i].key, key) > 0 })
	t.entries = append(t.entries, sortedEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = sortedEntry{key: key, ev: ev}
}

func (t *sortedTable) Remove(ev event.Event) {
	v := ev.Get(t.prop)
	if v == nil {
		return
	}
	key := expr.NormalizeKey(v)
	i := t.lowerBound(key)
	for ; i < len(t.entries) && order(t.entries[i].key, key) == 0; i++ {
		if t.entries[i].ev == ev {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *sortedTable) lowerBound(key any) int {
	return sort.Search(len(t.entries), func(i int) bool { return order(t.entries[i].key, key) >= 0 })
}

func (t *sortedTable) upperBound(key any) int {
	return sort.Search(len(t.entries), func(i int) bool { return order(t.entries[i].key, key) > 0 })
}

// class returns the index span holding values of the same rank as key.
func (t *sortedTable) class(key any) (int, int) {
	r := rank(key)
	lo := sort.Search(len(t.entries), func(i int) bool { return rank(t.entries[i].key) >= r })
	hi := sort.Search(len(t.entries), func(i int) bool { return rank(t.entries[i].key) > r })
	return lo, hi
}

func (t *sortedTable) span(r *RangeQuery) (int, int) {
	if r == nil {
		return 0, len(t.entries)
	}
	if r.Between {
		if r.Lo == nil || r.Hi == nil {
			return 0, 0
		}
		lo, hi := expr.NormalizeKey(r.Lo), expr.NormalizeKey(r.Hi)
		if rank(lo) != rank(hi) || rank(lo) == 2 {
			return 0, 0
		}
		if order(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		start, end := t.lowerBound(lo), t.upperBound(hi)
		if r.LoOpen {
			start = t.upperBound(lo)
		}
		if r.HiOpen {
			end = t.lowerBound(hi)
		}
		return start, end
	}
	if r.Value == nil {
		return 0, 0
	}
	v := expr.NormalizeKey(r.Value)
	if rank(v) == 2 {
		return 0, 0
	}
	first, last := t.class(v)
	switch r.Op {
	case expr.OpLt:
		return first, t.lowerBound(v)
	case expr.OpLe:
		return first, t.upperBound(v)
	case expr.OpGt:
		return t.upperBound(v), last
	case expr.OpGe:
		return t.lowerBound(v), last
	}
	return first, last
}

func (t *sortedTable) Lookup(_ []any, r *RangeQuery, fn func(event.Event) bool) {
	start, end := t.span(r)
	for i := start; i < end; i++ {
		if !fn(t.entries[i].ev) {
			return
		}
	}
}

// compositeTable hashes on the key properties and orders each bucket by
// the range property.
type compositeTable struct {
	props []string
	prop  string
	rows  map[expr.MultiKey]*sortedTable
	n     int
}

func (t *compositeTable) Kind() TableKind { return Composite }
func (t *compositeTable) Len() int        { return t.n }

func (t *compositeTable) Add(ev event.Event) {
	k, ok := hashKey(ev, t.props)
	if !ok {
		return
	}
	st, ok := t.rows[k]
	if !ok {
		st = &sortedTable{prop: t.prop}
		t.rows[k] = st
	}
	before := st.Len()
	st.Add(ev)
	t.n += st.Len() - before
}

func (t *compositeTable) Remove(ev event.Event) {
	k, ok := hashKey(ev, t.props)
	if !ok {
		return
	}
	st, ok := t.rows[k]
	if !ok {
		return
	}
	before := st.Len()
	st.Remove(ev)
	t.n -= before - st.Len()
	if st.Len() == 0 {
		delete(t.rows, k)
	}
}

func (t *compositeTable) Lookup(keys []any, r *RangeQuery, fn func(event.Event) bool) {
	k, ok := lookupKey(keys)
	if !ok {
		return
	}
	if st, ok := t.rows[k]; ok {
		st.Lookup(nil, r, fn)
	}
}
