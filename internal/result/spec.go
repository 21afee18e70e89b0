package result

import (
	"fmt"
	"slices"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Kind names the output strategy of a processor.
type Kind int

const (
	// Passthrough hands input events through unchanged (select *).
	Passthrough Kind = iota
	// Simple evaluates the select clause per row, without aggregation.
	Simple
	// RowForAll produces one row per update from ungrouped aggregates
	// only.
	RowForAll
	// AggregateAll produces one row per event, mixing ungrouped aggregates
	// with event properties.
	AggregateAll
	// RowPerGroup produces one row per group touched by an update.
	RowPerGroup
	// AggregateGrouped produces one row per event with the aggregates of
	// its group, for selects reading properties outside the group-by.
	AggregateGrouped
)

func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "passthrough"
	case Simple:
		return "simple"
	case RowForAll:
		return "row-for-all"
	case AggregateAll:
		return "aggregate-all"
	case RowPerGroup:
		return "row-per-group"
	case AggregateGrouped:
		return "aggregate-grouped"
	}
	return "unknown"
}

// SelectItem is one column of the select clause. Aggregates are read
// through expr.AggRef slots into Spec.Aggs.
type SelectItem struct {
	Name string
	Expr expr.Node
}

func (s SelectItem) column() string {
	if s.Name != "" {
		return s.Name
	}
	return expr.String(s.Expr)
}

// Spec is the compiled select, group-by and having of a statement.
type Spec struct {
	// Name is the event type name of output rows.
	Name string
	// Types holds the input type per stream; StreamNames names the
	// streams in wildcard join output.
	Types       []*event.Type
	StreamNames []string
	Wildcard    bool
	Select      []SelectItem
	GroupBy     []expr.Node
	Having      expr.Node
	Aggs        []agg.Spec
}

// Analyze validates s and picks its output strategy.
func Analyze(s *Spec, reg *agg.Registry) (Kind, error) {
	invalid := func(format string, args ...any) error {
		return &expr.ValidationError{Expr: "select", Message: fmt.Sprintf(format, args...)}
	}
	if len(s.Types) == 0 {
		return 0, invalid("no input streams")
	}
	if !s.Wildcard && len(s.Select) == 0 {
		return 0, invalid("nothing selected")
	}
	for _, a := range s.Aggs {
		if _, err := reg.Validate(a, s.Types); err != nil {
			return 0, err
		}
	}
	seen := make(map[string]bool)
	for _, item := range s.Select {
		if item.Expr == nil {
			return 0, invalid("column %q has no expression", item.Name)
		}
		if err := expr.Validate(item.Expr, s.Types, len(s.Aggs)); err != nil {
			return 0, err
		}
		c := item.column()
		if seen[c] {
			return 0, invalid("duplicate column %q", c)
		}
		seen[c] = true
	}
	for _, g := range s.GroupBy {
		if err := expr.Validate(g, s.Types, -1); err != nil {
			return 0, err
		}
	}
	if s.Having != nil {
		if err := expr.Validate(s.Having, s.Types, len(s.Aggs)); err != nil {
			return 0, err
		}
	}

	aggregated := len(s.Aggs) > 0
	if s.Wildcard && (aggregated || len(s.GroupBy) > 0) {
		return 0, invalid("wildcard cannot be combined with aggregation or group by")
	}
	switch {
	case s.Wildcard:
		return Passthrough, nil
	case len(s.GroupBy) > 0 && !aggregated:
		return RowPerGroup, nil
	case !aggregated:
		return Simple, nil
	case len(s.GroupBy) == 0 && len(s.props()) == 0:
		return RowForAll, nil
	case len(s.GroupBy) == 0:
		return AggregateAll, nil
	}
	grouped := make([]string, len(s.GroupBy))
	for i, g := range s.GroupBy {
		grouped[i] = expr.String(g)
	}
	for _, p := range s.props() {
		if !slices.Contains(grouped, expr.String(p)) {
			return AggregateGrouped, nil
		}
	}
	return RowPerGroup, nil
}

// props returns the properties the select clause reads outside of
// aggregates.
func (s *Spec) props() []expr.Prop {
	var out []expr.Prop
	for _, item := range s.Select {
		out = append(out, expr.Props(item.Expr)...)
	}
	return out
}

// OutputType derives the type of output rows.
func (s *Spec) OutputType(reg *agg.Registry) *event.Type {
	if s.Wildcard {
		if len(s.Types) == 1 {
			return s.Types[0]
		}
		t := event.NewType(s.Name, map[string]event.Kind{})
		for i, st := range s.Types {
			t = t.WithEventProperty(s.streamName(i), st)
		}
		return t
	}
	props := make(map[string]event.Kind, len(s.Select))
	for _, item := range s.Select {
		k := expr.KindOf(item.Expr, s.Types)
		if ref, ok := item.Expr.(expr.AggRef); ok && ref.Slot < len(s.Aggs) {
			k, _ = reg.Validate(s.Aggs[ref.Slot], s.Types)
		}
		props[item.column()] = k
	}
	return event.NewType(s.Name, props)
}

func (s *Spec) streamName(i int) string {
	if i < len(s.StreamNames) && s.StreamNames[i] != "" {
		return s.StreamNames[i]
	}
	return fmt.Sprintf("s%d", i)
}
