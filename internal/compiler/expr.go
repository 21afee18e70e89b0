package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// scope decides which stream a property path addresses.
//
// A path "name.rest" addresses stream i when names[i] is name. Other paths
// address stream 0, except in joins where the one stream whose type
// declares the path is chosen.
type scope struct {
	names []string
	types []*event.Type

	// tags, when set, are pattern tags a filter expression may read. A tag
	// gets the next stream on first use; bound lists them in that order.
	tags  map[string]bool
	bound []string

	// qualified scopes reject paths that address no name.
	qualified bool

	// aggs collects aggregate functions; nil where they are not allowed.
	aggs *[]agg.Spec
}

func (sc *scope) prop(path string) (expr.Prop, error) {
	if path == "" {
		return expr.Prop{}, fmt.Errorf("empty property path")
	}
	if head, rest, ok := strings.Cut(path, "."); ok && rest != "" {
		for i, n := range sc.names {
			if n != "" && n == head {
				return expr.Prop{Stream: i, Path: rest}, nil
			}
		}
		for i, tag := range sc.bound {
			if tag == head {
				return expr.Prop{Stream: len(sc.names) + i, Path: rest}, nil
			}
		}
		if sc.tags[head] {
			sc.bound = append(sc.bound, head)
			return expr.Prop{Stream: len(sc.names) + len(sc.bound) - 1, Path: rest}, nil
		}
	}
	if sc.qualified {
		return expr.Prop{}, fmt.Errorf("property %q must start with one of %v", path, sc.names)
	}
	if len(sc.names) <= 1 {
		return expr.Prop{Path: path}, nil
	}

	found := -1
	for i, t := range sc.types {
		if t == nil || t.IsDynamic() {
			continue
		}
		if _, ok := t.PropertyType(path); !ok {
			continue
		}
		if found >= 0 {
			return expr.Prop{}, fmt.Errorf("property %q is ambiguous: qualify it with a stream name", path)
		}
		found = i
	}
	if found < 0 {
		return expr.Prop{}, fmt.Errorf("property %q not found in any stream: qualify it with a stream name", path)
	}
	return expr.Prop{Stream: found, Path: path}, nil
}

// withoutAggs returns a copy of sc that rejects aggregate functions.
func (sc *scope) withoutAggs() *scope {
	c := *sc
	c.aggs = nil
	return &c
}

// compileExpr compiles an expression value:
//
//	"t.price"                    property of stream t
//	10, 2.5, true, null          constants
//	{const: "IBM"}               string constant
//	{">": ["price", 10]}         comparison: = == != < <= > >=
//	{"+": ["a", "b", 1]}         arithmetic, folded left: + - * / %
//	{and: [...]}, {or: [...]}, {not: e}
//	{in: {value: e, list: [...]}}, {notIn: ...}
//	{between: {value: e, lo: e, hi: e, loOpen: true}}, {notBetween: ...}
//	{isNull: e}, {isNotNull: e}, {coalesce: [...]}
//	{agg: "sum", of: e, distinct: true}
func compileExpr(v cue.Value, field string, sc *scope) (expr.Node, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, _ := v.String()
		p, err := sc.prop(s)
		if err != nil {
			return nil, errAt(v, ErrCodeExpression, field, "%v", err)
		}
		return p, nil
	case cue.StructKind:
		return compileOperator(v, field, sc)
	case cue.ListKind:
		return nil, errAt(v, ErrCodeExpression, field, "a list is not an expression")
	}
	c, err := constant(v, ErrCodeExpression, field)
	if err != nil {
		return nil, err
	}
	return expr.C(c), nil
}

func compileOperator(v cue.Value, field string, sc *scope) (expr.Node, error) {
	if _, ok := lookup(v, "agg"); ok {
		return compileAggregate(v, field, sc)
	}
	ls, err := labels(v)
	if err != nil {
		return nil, err
	}
	if len(ls) != 1 {
		return nil, errAt(v, ErrCodeExpression, field, "expected exactly one operator, got %v", ls)
	}
	op := ls[0]
	arg, _ := lookup(v, op)
	field = field + "." + op

	switch op {
	case "const":
		c, err := constant(arg, ErrCodeExpression, field)
		if err != nil {
			return nil, err
		}
		return expr.C(c), nil

	case "prop":
		s, err := stringValue(arg, ErrCodeExpression, field)
		if err != nil {
			return nil, err
		}
		p, err := sc.prop(s)
		if err != nil {
			return nil, errAt(arg, ErrCodeExpression, field, "%v", err)
		}
		return p, nil

	case "+", "-", "*", "/", "%":
		ops, err := compileOperands(arg, field, sc, 2)
		if err != nil {
			return nil, err
		}
		n := ops[0]
		for _, o := range ops[1:] {
			n = expr.Arith{Op: expr.ArithOp(op), Left: n, Right: o}
		}
		return n, nil

	case "=", "==", "!=", "<", "<=", ">", ">=":
		ops, err := compileOperands(arg, field, sc, 2)
		if err != nil {
			return nil, err
		}
		if len(ops) != 2 {
			return nil, errAt(arg, ErrCodeExpression, field, "comparison takes two operands, got %d", len(ops))
		}
		if op == "==" {
			op = "="
		}
		return expr.Compare{Op: expr.CompareOp(op), Left: ops[0], Right: ops[1]}, nil

	case "and", "or", "coalesce":
		ops, err := compileOperands(arg, field, sc, 1)
		if err != nil {
			return nil, err
		}
		switch op {
		case "and":
			return expr.And{Operands: ops}, nil
		case "or":
			return expr.Or{Operands: ops}, nil
		}
		return expr.Coalesce{Operands: ops}, nil

	case "not", "isNull", "isNotNull":
		n, err := compileExpr(arg, field, sc)
		if err != nil {
			return nil, err
		}
		if op == "not" {
			return expr.Not{Operand: n}, nil
		}
		return expr.IsNull{Operand: n, Negate: op == "isNotNull"}, nil

	case "in", "notIn":
		return compileIn(arg, field, sc, op == "notIn")

	case "between", "notBetween":
		return compileBetween(arg, field, sc, op == "notBetween")
	}
	return nil, errAt(v, ErrCodeExpression, field, "unknown operator %q", op)
}

func compileOperands(v cue.Value, field string, sc *scope, atLeast int) ([]expr.Node, error) {
	var ops []expr.Node
	err := each(v, ErrCodeExpression, field, func(i int, el cue.Value) error {
		n, err := compileExpr(el, fmt.Sprintf("%s[%d]", field, i), sc)
		if err != nil {
			return err
		}
		ops = append(ops, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ops) < atLeast {
		return nil, errAt(v, ErrCodeExpression, field, "expected at least %d operands, got %d", atLeast, len(ops))
	}
	return ops, nil
}

func compileIn(v cue.Value, field string, sc *scope, negate bool) (expr.Node, error) {
	value, ok := lookup(v, "value")
	if !ok {
		return nil, errAt(v, ErrCodeExpression, field, "value is required")
	}
	operand, err := compileExpr(value, field+".value", sc)
	if err != nil {
		return nil, err
	}
	list, ok := lookup(v, "list")
	if !ok {
		return nil, errAt(v, ErrCodeExpression, field, "list is required")
	}
	values, err := compileOperands(list, field+".list", sc, 1)
	if err != nil {
		return nil, err
	}
	return expr.In{Operand: operand, Values: values, Negate: negate}, nil
}

func compileBetween(v cue.Value, field string, sc *scope, negate bool) (expr.Node, error) {
	b := expr.Between{Negate: negate}
	for _, part := range []struct {
		name string
		dst  *expr.Node
	}{{"value", &b.Operand}, {"lo", &b.Lo}, {"hi", &b.Hi}} {
		pv, ok := lookup(v, part.name)
		if !ok {
			return nil, errAt(v, ErrCodeExpression, field, "%s is required", part.name)
		}
		n, err := compileExpr(pv, field+"."+part.name, sc)
		if err != nil {
			return nil, err
		}
		*part.dst = n
	}
	var err error
	if pv, ok := lookup(v, "loOpen"); ok {
		if b.LoOpen, err = boolValue(pv, ErrCodeExpression, field+".loOpen"); err != nil {
			return nil, err
		}
	}
	if pv, ok := lookup(v, "hiOpen"); ok {
		if b.HiOpen, err = boolValue(pv, ErrCodeExpression, field+".hiOpen"); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// compileAggregate registers an aggregate function in the scope's list and
// returns a reference to its slot. Equal functions share a slot.
func compileAggregate(v cue.Value, field string, sc *scope) (expr.Node, error) {
	if sc.aggs == nil {
		return nil, errAt(v, ErrCodeExpression, field, "aggregate functions are not allowed here")
	}
	fv, _ := lookup(v, "agg")
	name, err := stringValue(fv, ErrCodeExpression, field+".agg")
	if err != nil {
		return nil, err
	}
	spec := agg.Spec{Func: name}
	if of, ok := lookup(v, "of"); ok {
		if spec.Arg, err = compileExpr(of, field+".of", sc.withoutAggs()); err != nil {
			return nil, err
		}
	}
	if dv, ok := lookup(v, "distinct"); ok {
		if spec.Distinct, err = boolValue(dv, ErrCodeExpression, field+".distinct"); err != nil {
			return nil, err
		}
	}

	key := spec.String()
	for i, s := range *sc.aggs {
		if s.String() == key {
			return expr.AggRef{Slot: i}, nil
		}
	}
	*sc.aggs = append(*sc.aggs, spec)
	return expr.AggRef{Slot: len(*sc.aggs) - 1}, nil
}
