package view

import (
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// addPropertyView wraps each event with one computed property. When an
// upstream view retains events it remembers the wrapper of every live
// event so that a removal posts the same wrapper that was inserted.
type addPropertyView struct {
	base
	typ      *event.Type
	spec     AddProperty
	retain   bool
	wrappers map[event.Event]event.Event
	order    []event.Event
}

func newAddProperty(t *event.Type, spec AddProperty, retain bool) *addPropertyView {
	v := &addPropertyView{typ: t, spec: spec, retain: retain}
	if retain {
		v.wrappers = make(map[event.Event]event.Event)
	}
	return v
}

func (v *addPropertyView) wrap(ev event.Event) event.Event {
	value := expr.Eval(v.spec.Expr, expr.NewContext(ev))
	return event.NewWrapperEvent(v.typ, ev, map[string]any{v.spec.Name: value})
}

func (v *addPropertyView) Update(newData, oldData []event.Event) {
	var out, removed []event.Event
	for _, ev := range newData {
		w := v.wrap(ev)
		if v.retain {
			v.wrappers[ev] = w
			v.order = append(v.order, ev)
		}
		out = append(out, w)
	}
	if v.retain {
		for _, ev := range oldData {
			w, ok := v.wrappers[ev]
			if !ok {
				continue
			}
			delete(v.wrappers, ev)
			v.order, _ = removeEvent(v.order, ev)
			removed = append(removed, w)
		}
	}
	v.post(out, removed)
}

func (v *addPropertyView) Iterate(fn func(event.Event) bool) {
	for _, ev := range v.order {
		if !fn(v.wrappers[ev]) {
			return
		}
	}
}

func (v *addPropertyView) Stop() {}
