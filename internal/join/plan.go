package join

import (
	"fmt"
	"strings"

	"github.com/roach88/esq/internal/expr"
)

// Strategy is the way a lookup finds partner events.
type Strategy int

const (
	FullScan Strategy = iota
	HashLookup
	RangeLookup
	CompositeLookup
)

func (s Strategy) String() string {
	switch s {
	case HashLookup:
		return "hash"
	case RangeLookup:
		return "range"
	case CompositeLookup:
		return "composite"
	}
	return "scan"
}

// Lookup is one step of a plan: find the events of Target that join the
// partial row built so far.
type Lookup struct {
	Target   int
	Strategy Strategy
	// Index is the position of the serving index in the target's specs,
	// or -1 for a scan of all events.
	Index int
	// Keys produce the hash key values, ordered like the index's
	// HashProps.
	Keys  []expr.Prop
	Range *RangeSource
}

// RangeSource produces the bounds of a range lookup.
type RangeSource struct {
	Op      expr.CompareOp
	Value   expr.Prop
	Between bool
	Lo, Hi  expr.Prop
	LoOpen  bool
	HiOpen  bool
}

func (r *RangeSource) query(ctx *expr.Context) *RangeQuery {
	if r.Between {
		return &RangeQuery{
			Between: true,
			Lo:      expr.Eval(r.Lo, ctx),
			Hi:      expr.Eval(r.Hi, ctx),
			LoOpen:  r.LoOpen,
			HiOpen:  r.HiOpen,
		}
	}
	return &RangeQuery{Op: r.Op, Value: expr.Eval(r.Value, ctx)}
}

// QueryPlan holds, per driving stream, the ordered lookups into every other
// stream.
type QueryPlan struct {
	Lookups [][]Lookup
}

func (p *QueryPlan) String() string {
	var b strings.Builder
	for s, steps := range p.Lookups {
		fmt.Fprintf(&b, "s%d:", s)
		for _, l := range steps {
			fmt.Fprintf(&b, " s%d/%s", l.Target, l.Strategy)
			if l.Index >= 0 {
				fmt.Fprintf(&b, "#%d", l.Index)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildQueryPlan orders the lookups of every driving stream. At each step
// the next stream is the one reachable through the best index from the
// streams already joined: hash keys first, then ranges, then a scan. Ties
// go to the lowest stream number.
func BuildQueryPlan(g *QueryGraph, specs [][]IndexSpec) *QueryPlan {
	plan := &QueryPlan{Lookups: make([][]Lookup, g.n)}
	for driving := 0; driving < g.n; driving++ {
		joined := []int{driving}
		done := map[int]bool{driving: true}
		for len(joined) < g.n {
			target, from, score := -1, -1, -1
			for t := 0; t < g.n; t++ {
				if done[t] {
					continue
				}
				for _, f := range joined {
					if sc := edgeScore(g.Edge(f, t)); sc > score {
						target, from, score = t, f, sc
					}
				}
			}
			plan.Lookups[driving] = append(plan.Lookups[driving], lookupFor(g, specs, from, target))
			joined = append(joined, target)
			done[target] = true
		}
	}
	return plan
}

func edgeScore(e *Edge) int {
	switch {
	case e == nil:
		return 0
	case len(e.Strict) > 0:
		return 2
	case len(e.Ranges) > 0:
		return 1
	}
	return 0
}

func lookupFor(g *QueryGraph, specs [][]IndexSpec, from, target int) Lookup {
	e := g.Edge(from, target)
	if edgeScore(e) == 0 {
		return Lookup{Target: target, Strategy: FullScan, Index: -1}
	}
	want := edgeSpec(e).key()
	index := -1
	var spec IndexSpec
	for i, s := range specs[target] {
		if s.key() == want {
			index, spec = i, s
			break
		}
	}
	if index < 0 {
		return Lookup{Target: target, Strategy: FullScan, Index: -1}
	}

	l := Lookup{Target: target, Index: index}
	for _, key := range spec.HashProps {
		for _, kp := range e.Strict {
			if kp.Key == key {
				l.Keys = append(l.Keys, expr.Prop{Stream: from, Path: kp.Lookup})
				break
			}
		}
	}
	if spec.RangeProp != "" {
		r := e.Ranges[0]
		l.Range = &RangeSource{
			Op:      r.Op,
			Value:   expr.Prop{Stream: from, Path: r.Value},
			Between: r.Between,
			Lo:      expr.Prop{Stream: from, Path: r.Lo},
			Hi:      expr.Prop{Stream: from, Path: r.Hi},
			LoOpen:  r.LoOpen,
			HiOpen:  r.HiOpen,
		}
	}
	switch {
	case len(l.Keys) > 0 && l.Range != nil:
		l.Strategy = CompositeLookup
	case l.Range != nil:
		l.Strategy = RangeLookup
	default:
		l.Strategy = HashLookup
	}
	return l
}
