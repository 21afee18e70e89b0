package view

import (
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// uniqueView keeps the latest event per key. A newer event with the same
// key displaces the older one, which is posted as old data.
type uniqueView struct {
	base
	props []string
	byKey map[expr.MultiKey]event.Event
	order []expr.MultiKey
}

func newUnique(props []string) *uniqueView {
	return &uniqueView{props: props, byKey: make(map[expr.MultiKey]event.Event)}
}

func (u *uniqueView) key(ev event.Event) expr.MultiKey {
	values := make([]any, len(u.props))
	for i, p := range u.props {
		values[i] = ev.Get(p)
	}
	return expr.NewMultiKey(values...)
}

func (u *uniqueView) Update(newData, oldData []event.Event) {
	var removed []event.Event
	for _, ev := range oldData {
		k := u.key(ev)
		if cur, ok := u.byKey[k]; ok && cur == ev {
			u.drop(k)
			removed = append(removed, ev)
		}
	}
	for _, ev := range newData {
		k := u.key(ev)
		if prior, ok := u.byKey[k]; ok {
			u.drop(k)
			removed = append(removed, prior)
		}
		u.byKey[k] = ev
		u.order = append(u.order, k)
	}
	u.post(newData, removed)
}

func (u *uniqueView) drop(k expr.MultiKey) {
	delete(u.byKey, k)
	for i, x := range u.order {
		if x == k {
			u.order = append(u.order[:i], u.order[i+1:]...)
			return
		}
	}
}

func (u *uniqueView) Iterate(fn func(event.Event) bool) {
	for _, k := range u.order {
		if !fn(u.byKey[k]) {
			return
		}
	}
}

func (u *uniqueView) Stop() {}
