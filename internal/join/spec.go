package join

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// IndexSpec describes one index of a stream's event table. The zero value
// is the unindexed sentinel used for streams that are only scanned.
type IndexSpec struct {
	HashProps []string
	RangeProp string
	Unique    bool
}

// Kind returns the table kind that serves the spec.
func (s IndexSpec) Kind() TableKind {
	switch {
	case len(s.HashProps) == 0 && s.RangeProp == "":
		return Unindexed
	case s.RangeProp == "" && s.Unique:
		return UniqueHash
	case s.RangeProp == "":
		return Hash
	case len(s.HashProps) == 0:
		return Sorted
	}
	return Composite
}

// key identifies the property set, independent of hash property order.
func (s IndexSpec) key() string {
	props := slices.Clone(s.HashProps)
	slices.Sort(props)
	return strings.Join(props, ",") + "|" + s.RangeProp
}

func (s IndexSpec) String() string {
	switch s.Kind() {
	case Unindexed:
		return "unindexed"
	case Sorted:
		return fmt.Sprintf("sorted(%s)", s.RangeProp)
	case Composite:
		return fmt.Sprintf("composite(%s; %s)", strings.Join(s.HashProps, ", "), s.RangeProp)
	}
	return fmt.Sprintf("%s(%s)", s.Kind(), strings.Join(s.HashProps, ", "))
}

// PlanOption configures index planning.
type PlanOption func(*planConfig)

type planConfig struct {
	unique map[int][]string
}

// WithUniqueKeys declares that stream holds at most one event per value of
// props, as a unique view guarantees. Hash indexes covering props become
// unique hash indexes.
func WithUniqueKeys(stream int, props ...string) PlanOption {
	return func(c *planConfig) {
		c.unique[stream] = props
	}
}

// BuildIndexSpecs derives the indexes of every stream. For each stream the
// distinct property sets other streams look it up by are collected in
// stream order; the first stream requiring a set creates it and later
// requirements reuse it. A stream nothing looks up gets the unindexed
// sentinel.
func BuildIndexSpecs(g *QueryGraph, types []*event.Type, opts ...PlanOption) ([][]IndexSpec, error) {
	if len(types) != g.n {
		return nil, fmt.Errorf("join: %d types for %d streams", len(types), g.n)
	}
	cfg := planConfig{unique: make(map[int][]string)}
	for _, opt := range opts {
		opt(&cfg)
	}

	specs := make([][]IndexSpec, g.n)
	for to := 0; to < g.n; to++ {
		seen := make(map[string]bool)
		for from := 0; from < g.n; from++ {
			e := g.Edge(from, to)
			if e == nil || (len(e.Strict) == 0 && len(e.Ranges) == 0) {
				continue
			}
			if err := checkEdge(types, from, to, e); err != nil {
				return nil, err
			}
			spec := edgeSpec(e)
			if spec.RangeProp == "" && covers(spec.HashProps, cfg.unique[to]) {
				spec.Unique = true
			}
			if k := spec.key(); !seen[k] {
				seen[k] = true
				specs[to] = append(specs[to], spec)
			}
		}
		if len(specs[to]) == 0 {
			specs[to] = []IndexSpec{{}}
		}
	}
	return specs, nil
}

func edgeSpec(e *Edge) IndexSpec {
	spec := IndexSpec{HashProps: e.KeyProps()}
	if len(e.Ranges) > 0 {
		spec.RangeProp = e.Ranges[0].Key
	}
	return spec
}

func covers(props, unique []string) bool {
	if len(unique) == 0 {
		return false
	}
	for _, u := range unique {
		if !slices.Contains(props, u) {
			return false
		}
	}
	return true
}

// checkEdge verifies that every lookup value can be coerced to the type of
// the property it is looked up by.
func checkEdge(types []*event.Type, from, to int, e *Edge) error {
	kind := func(stream int, prop string) (event.Kind, error) {
		k, ok := types[stream].PropertyType(prop)
		if !ok {
			return k, &ValidationError{Stream: stream, Message: fmt.Sprintf("property %q not found in type %s", prop, types[stream])}
		}
		return k, nil
	}
	check := func(key, value string, ordered bool) error {
		kk, err := kind(to, key)
		if err != nil {
			return err
		}
		vk, err := kind(from, value)
		if err != nil {
			return err
		}
		if !expr.Compatible(kk, vk) {
			return &ValidationError{Stream: to, Message: fmt.Sprintf(
				"key %s of type %s cannot be looked up by s%d.%s of type %s", key, kk, from, value, vk)}
		}
		if ordered && !orderable(kk) {
			return &ValidationError{Stream: to, Message: fmt.Sprintf("key %s of type %s is not ordered", key, kk)}
		}
		return nil
	}

	for _, kp := range e.Strict {
		if err := check(kp.Key, kp.Lookup, false); err != nil {
			return err
		}
	}
	for _, r := range e.Ranges {
		values := []string{r.Value}
		if r.Between {
			values = []string{r.Lo, r.Hi}
		}
		for _, v := range values {
			if err := check(r.Key, v, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func orderable(k event.Kind) bool {
	return k == event.KindAny || k == event.KindString || k.IsNumeric()
}
