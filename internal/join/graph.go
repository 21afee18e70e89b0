package join

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/esq/internal/expr"
)

// KeyPair binds a property of the looked-up stream to the property of the
// stream providing the value.
type KeyPair struct {
	Key    string
	Lookup string
}

// RangeKey bounds a property of the looked-up stream by properties of the
// stream providing the values. Op is used for a single bound (Key Op Value);
// Between marks a two-sided bound Lo..Hi.
type RangeKey struct {
	Key     string
	Op      expr.CompareOp
	Value   string
	Between bool
	Lo, Hi  string
	LoOpen  bool
	HiOpen  bool
}

func (r RangeKey) String() string {
	if r.Between {
		return fmt.Sprintf("%s between %s and %s", r.Key, r.Lo, r.Hi)
	}
	return fmt.Sprintf("%s %s %s", r.Key, r.Op, r.Value)
}

// Edge records what is known about looking up one stream from another.
type Edge struct {
	Strict []KeyPair
	Ranges []RangeKey
}

// KeyProps returns the strict key properties of the looked-up stream.
func (e *Edge) KeyProps() []string {
	props := make([]string, len(e.Strict))
	for i, kp := range e.Strict {
		props[i] = kp.Key
	}
	return props
}

type streamPair struct {
	from, to int
}

// QueryGraph holds the navigability between the streams of a join.
type QueryGraph struct {
	n     int
	edges map[streamPair]*Edge
}

// NewQueryGraph returns an empty graph over n streams.
func NewQueryGraph(n int) *QueryGraph {
	return &QueryGraph{n: n, edges: make(map[streamPair]*Edge)}
}

// NumStreams returns the number of streams.
func (g *QueryGraph) NumStreams() int {
	return g.n
}

func (g *QueryGraph) edge(from, to int) *Edge {
	if from == to || from < 0 || to < 0 || from >= g.n || to >= g.n {
		panic(fmt.Sprintf("join: invalid stream pair %d, %d", from, to))
	}
	p := streamPair{from, to}
	e, ok := g.edges[p]
	if !ok {
		e = &Edge{}
		g.edges[p] = e
	}
	return e
}

// Edge returns the edge for looking up stream to from stream from, or nil.
func (g *QueryGraph) Edge(from, to int) *Edge {
	return g.edges[streamPair{from, to}]
}

// IsNavigable reports whether any key is known from one stream to the other.
func (g *QueryGraph) IsNavigable(from, to int) bool {
	e := g.Edge(from, to)
	return e != nil && (len(e.Strict) > 0 || len(e.Ranges) > 0)
}

// AddStrictEquals records s1.p1 = s2.p2 in both directions. Repeats are
// ignored.
func (g *QueryGraph) AddStrictEquals(s1 int, p1 string, s2 int, p2 string) {
	addStrict(g.edge(s1, s2), KeyPair{Key: p2, Lookup: p1})
	addStrict(g.edge(s2, s1), KeyPair{Key: p1, Lookup: p2})
}

func addStrict(e *Edge, kp KeyPair) {
	for _, x := range e.Strict {
		if x.Key == kp.Key {
			return
		}
	}
	e.Strict = append(e.Strict, kp)
}

// AddRelOp records keyStream.keyProp op valueStream.valueProp in both
// directions.
func (g *QueryGraph) AddRelOp(keyStream int, keyProp string, op expr.CompareOp, valueStream int, valueProp string) {
	addRange(g.edge(valueStream, keyStream), RangeKey{Key: keyProp, Op: op, Value: valueProp})
	addRange(g.edge(keyStream, valueStream), RangeKey{Key: valueProp, Op: op.Flip(), Value: keyProp})
}

// AddRange records keyStream.keyProp between valueStream.lo and
// valueStream.hi. Bounds may arrive in either order, so nothing is derived
// for the reverse direction.
func (g *QueryGraph) AddRange(keyStream int, keyProp string, valueStream int, lo, hi string, loOpen, hiOpen bool) {
	addRange(g.edge(valueStream, keyStream), RangeKey{
		Key: keyProp, Between: true, Lo: lo, Hi: hi, LoOpen: loOpen, HiOpen: hiOpen,
	})
}

func addRange(e *Edge, r RangeKey) {
	if slices.Contains(e.Ranges, r) {
		return
	}
	e.Ranges = append(e.Ranges, r)
}

// String renders the graph one edge per line, ordered by stream pair.
func (g *QueryGraph) String() string {
	var b strings.Builder
	for from := 0; from < g.n; from++ {
		for to := 0; to < g.n; to++ {
			e := g.Edge(from, to)
			if e == nil {
				continue
			}
			fmt.Fprintf(&b, "%d->%d:", from, to)
			for _, kp := range e.Strict {
				fmt.Fprintf(&b, " s%d.%s=s%d.%s", to, kp.Key, from, kp.Lookup)
			}
			for _, r := range e.Ranges {
				fmt.Fprintf(&b, " [%s]", r)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// AnalyzeQueryGraph derives a graph from a where clause. Only the top-level
// conjunction is analysed; equality, relational and between comparisons of
// properties of two different streams contribute. Disjunctions contribute
// nothing, and a between contributes only when both bounds come from one
// stream.
func AnalyzeQueryGraph(where expr.Node, n int) *QueryGraph {
	g := NewQueryGraph(n)
	if where != nil {
		analyze(g, where)
	}
	return g
}

func analyze(g *QueryGraph, n expr.Node) {
	switch x := n.(type) {
	case expr.And:
		for _, op := range x.Operands {
			analyze(g, op)
		}
	case expr.Compare:
		l, lok := streamProp(g, x.Left)
		r, rok := streamProp(g, x.Right)
		if !lok || !rok || l.Stream == r.Stream {
			return
		}
		switch x.Op {
		case expr.OpEq:
			g.AddStrictEquals(l.Stream, l.Path, r.Stream, r.Path)
		case expr.OpLt, expr.OpLe, expr.OpGt, expr.OpGe:
			g.AddRelOp(l.Stream, l.Path, x.Op, r.Stream, r.Path)
		}
	case expr.Between:
		if x.Negate {
			return
		}
		v, ok := streamProp(g, x.Operand)
		if !ok {
			return
		}
		lo, lok := streamProp(g, x.Lo)
		hi, hok := streamProp(g, x.Hi)
		if lok && hok && lo.Stream == hi.Stream && lo.Stream != v.Stream {
			g.AddRange(v.Stream, v.Path, lo.Stream, lo.Path, hi.Path, x.LoOpen, x.HiOpen)
		}
	}
}

func streamProp(g *QueryGraph, n expr.Node) (expr.Prop, bool) {
	p, ok := n.(expr.Prop)
	if !ok || p.Stream < 0 || p.Stream >= g.n {
		return expr.Prop{}, false
	}
	return p, true
}
