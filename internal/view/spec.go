package view

import (
	"fmt"
	"strings"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Spec is a compiled view definition.
type Spec interface {
	viewSpec()
}

// Length retains the last N events.
type Length struct {
	N int
}

// Time retains the events of the last Msec milliseconds.
type Time struct {
	Msec int64
}

// LengthBatch releases events in batches of N.
type LengthBatch struct {
	N int
}

// TimeBatch releases the events collected in each Msec interval. Reference
// anchors the interval boundaries; when nil, the time of the first event is
// used. ForceUpdate posts empty batches too.
type TimeBatch struct {
	Msec        int64
	Reference   *int64
	ForceUpdate bool
}

// Unique retains the most recent event per distinct value of Props.
type Unique struct {
	Props []string
}

// AddProperty adds a computed property Name to every event.
type AddProperty struct {
	Name string
	Expr expr.Node
}

// GroupWin runs a separate copy of the Inner views per distinct value of
// Props and merges their output.
type GroupWin struct {
	Props []string
	Inner []Spec
}

func (Length) viewSpec()      {}
func (Time) viewSpec()        {}
func (LengthBatch) viewSpec() {}
func (TimeBatch) viewSpec()   {}
func (Unique) viewSpec()      {}
func (AddProperty) viewSpec() {}
func (GroupWin) viewSpec()    {}

// String renders a spec in window syntax.
func String(s Spec) string {
	switch x := s.(type) {
	case Length:
		return fmt.Sprintf("win:length(%d)", x.N)
	case Time:
		return fmt.Sprintf("win:time(%d)", x.Msec)
	case LengthBatch:
		return fmt.Sprintf("win:length_batch(%d)", x.N)
	case TimeBatch:
		return fmt.Sprintf("win:time_batch(%d)", x.Msec)
	case Unique:
		return fmt.Sprintf("std:unique(%s)", strings.Join(x.Props, ", "))
	case AddProperty:
		return fmt.Sprintf("std:addproperty(%s = %s)", x.Name, expr.String(x.Expr))
	case GroupWin:
		inner := make([]string, len(x.Inner))
		for i, s := range x.Inner {
			inner[i] = String(s)
		}
		return fmt.Sprintf("std:groupwin(%s).%s", strings.Join(x.Props, ", "), strings.Join(inner, "."))
	}
	return fmt.Sprintf("%T", s)
}

// retains reports whether the view keeps events it may later remove.
func retains(s Spec) bool {
	switch s.(type) {
	case Length, Time, LengthBatch, TimeBatch, Unique:
		return true
	case GroupWin:
		return true
	}
	return false
}

// validate checks s against the type of the events entering it and returns
// the type of the events leaving it.
func validate(s Spec, t *event.Type) (*event.Type, error) {
	invalid := func(format string, args ...any) error {
		return &expr.ValidationError{Expr: String(s), Message: fmt.Sprintf(format, args...)}
	}
	props := func(names []string) error {
		if len(names) == 0 {
			return invalid("at least one property is required")
		}
		for _, p := range names {
			if _, ok := t.PropertyType(p); !ok {
				return invalid("property %q not found in type %s", p, t)
			}
		}
		return nil
	}

	switch x := s.(type) {
	case Length:
		if x.N <= 0 {
			return nil, invalid("size must be positive")
		}
	case LengthBatch:
		if x.N <= 0 {
			return nil, invalid("size must be positive")
		}
	case Time:
		if x.Msec <= 0 {
			return nil, invalid("interval must be positive")
		}
	case TimeBatch:
		if x.Msec <= 0 {
			return nil, invalid("interval must be positive")
		}
	case Unique:
		if err := props(x.Props); err != nil {
			return nil, err
		}
	case AddProperty:
		if x.Name == "" || x.Expr == nil {
			return nil, invalid("name and expression are required")
		}
		if err := expr.Validate(x.Expr, []*event.Type{t}, -1); err != nil {
			return nil, err
		}
		return withProperty(t, x.Name, expr.KindOf(x.Expr, []*event.Type{t})), nil
	case GroupWin:
		if err := props(x.Props); err != nil {
			return nil, err
		}
		if len(x.Inner) == 0 {
			return nil, invalid("grouped views are required")
		}
		out := t
		for _, inner := range x.Inner {
			if _, nested := inner.(GroupWin); nested {
				return nil, invalid("nested groupwin is not supported")
			}
			var err error
			if out, err = validate(inner, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, invalid("unknown view")
	}
	return t, nil
}

// withProperty derives a type with one more property.
func withProperty(t *event.Type, name string, kind event.Kind) *event.Type {
	if t.IsDynamic() {
		return t
	}
	props := make(map[string]event.Kind)
	for _, p := range t.Properties() {
		k, _ := t.PropertyType(p)
		props[p] = k
	}
	props[name] = kind
	return event.NewType(t.Name, props)
}
