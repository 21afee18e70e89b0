package view

import (
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// groupWin runs one copy of the inner views per key. The output of every
// group is merged into a single update to the child.
type groupWin struct {
	base
	ctx     *Context
	typ     *event.Type
	spec    GroupWin
	retain  bool
	groups  map[expr.MultiKey][]View
	order   []expr.MultiKey
	merging bool
	newOut  []event.Event
	oldOut  []event.Event
}

func newGroupWin(ctx *Context, t *event.Type, spec GroupWin, upstreamRetains bool) *groupWin {
	return &groupWin{
		ctx:    ctx,
		typ:    t,
		spec:   spec,
		retain: upstreamRetains,
		groups: make(map[expr.MultiKey][]View),
	}
}

func (g *groupWin) key(ev event.Event) expr.MultiKey {
	values := make([]any, len(g.spec.Props))
	for i, p := range g.spec.Props {
		values[i] = ev.Get(p)
	}
	return expr.NewMultiKey(values...)
}

func (g *groupWin) group(k expr.MultiKey) []View {
	if views, ok := g.groups[k]; ok {
		return views
	}
	views := build(g.ctx, g.typ, g.spec.Inner, g.retain)
	for i := 0; i+1 < len(views); i++ {
		views[i].SetChild(views[i+1])
	}
	views[len(views)-1].SetChild(DownstreamFunc(g.collect))
	g.groups[k] = views
	g.order = append(g.order, k)
	return views
}

// collect receives group output. Outside of Update, such as when a timer
// fires in one group, output is posted straight away.
func (g *groupWin) collect(newData, oldData []event.Event) {
	if !g.merging {
		g.post(newData, oldData)
		return
	}
	g.newOut = append(g.newOut, newData...)
	g.oldOut = append(g.oldOut, oldData...)
}

func (g *groupWin) Update(newData, oldData []event.Event) {
	type batch struct{ newData, oldData []event.Event }
	var keys []expr.MultiKey
	batches := make(map[expr.MultiKey]*batch)
	at := func(k expr.MultiKey) *batch {
		b, ok := batches[k]
		if !ok {
			b = &batch{}
			batches[k] = b
			keys = append(keys, k)
		}
		return b
	}
	for _, ev := range oldData {
		k := g.key(ev)
		if _, ok := g.groups[k]; ok {
			b := at(k)
			b.oldData = append(b.oldData, ev)
		}
	}
	for _, ev := range newData {
		b := at(g.key(ev))
		b.newData = append(b.newData, ev)
	}

	g.merging = true
	for _, k := range keys {
		b := batches[k]
		g.group(k)[0].Update(b.newData, b.oldData)
	}
	g.merging = false
	newOut, oldOut := g.newOut, g.oldOut
	g.newOut, g.oldOut = nil, nil
	g.post(newOut, oldOut)
}

func (g *groupWin) Iterate(fn func(event.Event) bool) {
	stopped := false
	for _, k := range g.order {
		views := g.groups[k]
		views[len(views)-1].Iterate(func(ev event.Event) bool {
			if !fn(ev) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

func (g *groupWin) Stop() {
	for _, k := range g.order {
		for _, v := range g.groups[k] {
			v.Stop()
		}
	}
}
