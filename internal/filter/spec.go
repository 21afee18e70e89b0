package filter

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

var (
	// ErrDuplicateHandle is returned when a handle is registered twice.
	ErrDuplicateHandle = errors.New("filter handle already registered")

	// ErrHandleNotFound is returned when removing a handle that is not
	// registered under the given spec.
	ErrHandleNotFound = errors.New("filter handle not registered")
)

// TagRef names a property of an event bound earlier in a pattern match.
// Parameters referencing a tag take their value when the spec is resolved.
type TagRef struct {
	Tag      string
	Property string
}

func (r TagRef) String() string {
	return r.Tag + "." + r.Property
}

// Param is one constraint of a filter.
type Param struct {
	Property string
	Op       Op

	// Value is the operand of equality and relational operators.
	Value any
	// Lo and Hi bound the range operators.
	Lo, Hi any
	// Values lists the operands of in / not in.
	Values []any

	// Expr is the predicate of OpBoolean. Stream 0 is the candidate event;
	// streams 1..n are the events bound to Tags.
	Expr expr.Node
	Tags []string

	// Ref, LoRef and HiRef replace Value, Lo and Hi with a property of a
	// previously matched event.
	Ref, LoRef, HiRef *TagRef

	bound []event.Event
}

func (p Param) String() string {
	switch {
	case p.Op == OpBoolean:
		return expr.String(p.Expr)
	case p.Op.isRange() || p.Op.isNotRange():
		lo, hi := p.Op.bounds()
		l, h := "[", "]"
		if lo {
			l = "("
		}
		if hi {
			h = ")"
		}
		not := ""
		if p.Op.isNotRange() {
			not = "not "
		}
		return fmt.Sprintf("%s %sin %s%v:%v%s", p.Property, not, l, operand(p.Lo, p.LoRef), operand(p.Hi, p.HiRef), h)
	case p.Op == OpIn || p.Op == OpNotIn:
		return fmt.Sprintf("%s %s %v", p.Property, p.Op, p.Values)
	case p.Op == OpIsNull || p.Op == OpIsNotNull:
		return fmt.Sprintf("%s %s", p.Property, p.Op)
	}
	return fmt.Sprintf("%s %s %v", p.Property, p.Op, operand(p.Value, p.Ref))
}

func operand(v any, ref *TagRef) any {
	if ref != nil {
		return ref.String()
	}
	return v
}

// Spec is a compiled filter: an event type and its ordered constraints.
type Spec struct {
	EventType *event.Type
	Params    []Param

	refs bool
}

// NewSpec validates params against t and returns a spec with the parameters
// ordered by evaluation cost.
func NewSpec(t *event.Type, params ...Param) (*Spec, error) {
	if t == nil {
		return nil, &expr.ValidationError{Expr: "filter", Message: "event type is required"}
	}
	sorted := make([]Param, len(params))
	copy(sorted, params)
	refs := false
	for i := range sorted {
		if err := validateParam(t, &sorted[i]); err != nil {
			return nil, err
		}
		p := sorted[i]
		if p.Ref != nil || p.LoRef != nil || p.HiRef != nil || len(p.Tags) > 0 {
			refs = true
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return cost[sorted[i].Op] < cost[sorted[j].Op]
	})
	return &Spec{EventType: t, Params: sorted, refs: refs}, nil
}

// MustSpec is NewSpec for statically known specs; it panics on error.
func MustSpec(t *event.Type, params ...Param) *Spec {
	s, err := NewSpec(t, params...)
	if err != nil {
		panic(err)
	}
	return s
}

// HasRefs reports whether the spec references tagged events and must be
// resolved before registration.
func (s *Spec) HasRefs() bool {
	return s.refs
}

// Tags returns the distinct tags the spec references.
func (s *Spec) Tags() []string {
	var tags []string
	seen := map[string]bool{}
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	for _, p := range s.Params {
		for _, r := range []*TagRef{p.Ref, p.LoRef, p.HiRef} {
			if r != nil {
				add(r.Tag)
			}
		}
		for _, tag := range p.Tags {
			add(tag)
		}
	}
	return tags
}

// Resolve returns a spec with every tag reference replaced by the current
// value from lookup. A missing tag resolves to null, which no indexed
// constraint matches. Specs without references are returned unchanged.
func (s *Spec) Resolve(lookup func(tag string) event.Event) *Spec {
	if !s.refs {
		return s
	}
	value := func(r *TagRef, fallback any) any {
		if r == nil {
			return fallback
		}
		ev := lookup(r.Tag)
		if ev == nil {
			return nil
		}
		// NaN equals nothing; resolve it like a missing value.
		v := ev.Get(r.Property)
		if isNaN(v) {
			return nil
		}
		return v
	}
	resolved := &Spec{EventType: s.EventType, Params: make([]Param, len(s.Params))}
	for i, p := range s.Params {
		p.Value = value(p.Ref, p.Value)
		p.Lo = value(p.LoRef, p.Lo)
		p.Hi = value(p.HiRef, p.Hi)
		p.Ref, p.LoRef, p.HiRef = nil, nil, nil
		if len(p.Tags) > 0 {
			p.bound = make([]event.Event, len(p.Tags))
			for j, tag := range p.Tags {
				p.bound[j] = lookup(tag)
			}
		}
		resolved.Params[i] = p
	}
	return resolved
}

func (s *Spec) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s(%s)", s.EventType, strings.Join(parts, ", "))
}

func isNaN(v any) bool {
	switch f := v.(type) {
	case float64:
		return math.IsNaN(f)
	case float32:
		return math.IsNaN(float64(f))
	}
	return false
}

func validateParam(t *event.Type, p *Param) error {
	invalid := func(format string, args ...any) error {
		return &expr.ValidationError{Expr: p.String(), Message: fmt.Sprintf(format, args...)}
	}
	if _, ok := cost[p.Op]; !ok {
		return invalid("unknown operator %q", p.Op)
	}
	if p.Op == OpBoolean {
		if p.Expr == nil {
			return invalid("boolean constraint without expression")
		}
		if len(p.Tags) == 0 {
			return expr.Validate(p.Expr, []*event.Type{t}, -1)
		}
		return nil
	}

	if p.Property == "" {
		return invalid("property is required")
	}
	kind, ok := t.PropertyType(p.Property)
	if !ok {
		return invalid("property %q not found in type %s", p.Property, t)
	}
	checkValue := func(v any, ref *TagRef) error {
		if ref != nil {
			return nil
		}
		if v == nil {
			return invalid("null operand")
		}
		if isNaN(v) {
			return invalid("NaN operand")
		}
		if vk := expr.KindOf(expr.C(v), nil); !expr.Compatible(kind, vk) {
			return invalid("%s property compared with %s value", kind, vk)
		}
		if !reflect.TypeOf(expr.NormalizeKey(v)).Comparable() {
			return invalid("value of type %T cannot be indexed", v)
		}
		return nil
	}

	switch {
	case p.Op == OpIsNull || p.Op == OpIsNotNull:
		return nil
	case p.Op == OpIn || p.Op == OpNotIn:
		if len(p.Values) == 0 {
			return invalid("empty value list")
		}
		for _, v := range p.Values {
			if err := checkValue(v, nil); err != nil {
				return err
			}
		}
		return nil
	case p.Op.isRange() || p.Op.isNotRange():
		if err := checkValue(p.Lo, p.LoRef); err != nil {
			return err
		}
		return checkValue(p.Hi, p.HiRef)
	}
	return checkValue(p.Value, p.Ref)
}
