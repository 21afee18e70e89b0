package expr

import (
	"fmt"
	"strings"
)

// Children returns the direct operands of n.
func Children(n Node) []Node {
	switch x := n.(type) {
	case Arith:
		return []Node{x.Left, x.Right}
	case Compare:
		return []Node{x.Left, x.Right}
	case And:
		return x.Operands
	case Or:
		return x.Operands
	case Not:
		return []Node{x.Operand}
	case In:
		return append([]Node{x.Operand}, x.Values...)
	case Between:
		return []Node{x.Operand, x.Lo, x.Hi}
	case IsNull:
		return []Node{x.Operand}
	case Coalesce:
		return x.Operands
	}
	return nil
}

// Walk visits n and its operands depth-first. Returning false from fn skips
// the operands of the visited node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range Children(n) {
		Walk(c, fn)
	}
}

// ContainsAggregate reports whether n reads any aggregation slot.
func ContainsAggregate(n Node) bool {
	found := false
	Walk(n, func(c Node) bool {
		if _, ok := c.(AggRef); ok {
			found = true
		}
		return !found
	})
	return found
}

// Props returns every property read in n, outside of aggregation slots.
func Props(n Node) []Prop {
	var props []Prop
	Walk(n, func(c Node) bool {
		if p, ok := c.(Prop); ok {
			props = append(props, p)
		}
		return true
	})
	return props
}

// String renders n in a compact infix form, for logs and error messages.
func String(n Node) string {
	switch x := n.(type) {
	case nil:
		return "<nil>"
	case Const:
		if s, ok := x.Value.(string); ok {
			return fmt.Sprintf("'%s'", s)
		}
		if x.Value == nil {
			return "null"
		}
		return fmt.Sprint(x.Value)
	case Prop:
		return fmt.Sprintf("s%d.%s", x.Stream, x.Path)
	case Arith:
		return fmt.Sprintf("(%s %s %s)", String(x.Left), x.Op, String(x.Right))
	case Compare:
		return fmt.Sprintf("%s %s %s", String(x.Left), x.Op, String(x.Right))
	case And:
		return joinNodes(x.Operands, " and ")
	case Or:
		return joinNodes(x.Operands, " or ")
	case Not:
		return "not " + String(x.Operand)
	case In:
		kw := " in "
		if x.Negate {
			kw = " not in "
		}
		return String(x.Operand) + kw + joinNodes(x.Values, ", ")
	case Between:
		lo, hi := "[", "]"
		if x.LoOpen {
			lo = "("
		}
		if x.HiOpen {
			hi = ")"
		}
		kw := " in "
		if x.Negate {
			kw = " not in "
		}
		return fmt.Sprintf("%s%s%s%s:%s%s", String(x.Operand), kw, lo, String(x.Lo), String(x.Hi), hi)
	case IsNull:
		if x.Negate {
			return String(x.Operand) + " is not null"
		}
		return String(x.Operand) + " is null"
	case AggRef:
		return fmt.Sprintf("agg#%d", x.Slot)
	case Coalesce:
		return "coalesce" + joinNodes(x.Operands, ", ")
	}
	return fmt.Sprintf("%T", n)
}

func joinNodes(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = String(n)
	}
	return "(" + strings.Join(parts, sep) + ")"
}
