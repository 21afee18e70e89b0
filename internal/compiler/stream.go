package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/pattern"
	"github.com/roach88/esq/internal/view"
)

// compiledStream is a stream spec plus what expressions of the statement
// need to address it.
type compiledStream struct {
	spec engine.StreamSpec
	// name addresses the stream in expressions: its alias, or the event
	// type name when it has none.
	name string
	typ  *event.Type
}

// compileStream parses one element of a statement's from list:
//
//	{type: "Tick", as: "t", filter: [...], views: [...], keys: ["id"]}
//	{pattern: {...}, as: "p", views: [...]}
func compileStream(v cue.Value, field string, env Env) (*compiledStream, error) {
	if v.Kind() != cue.StructKind {
		return nil, errAt(v, ErrCodeStream, field, "expected a stream struct, got %s", kindName(v))
	}
	cs := &compiledStream{}
	if as, ok := lookup(v, "as"); ok {
		name, err := stringValue(as, ErrCodeStream, field+".as")
		if err != nil {
			return nil, err
		}
		cs.spec.Name = name
		cs.name = name
	}

	tv, hasType := lookup(v, "type")
	pv, hasPattern := lookup(v, "pattern")
	switch {
	case hasType && hasPattern:
		return nil, errAt(v, ErrCodeStream, field, "a stream has either a type or a pattern, not both")

	case hasType:
		typeName, err := stringValue(tv, ErrCodeStream, field+".type")
		if err != nil {
			return nil, err
		}
		t, ok := env.EventType(typeName)
		if !ok {
			return nil, errAt(tv, ErrCodeStream, field+".type", "unknown event type %q", typeName)
		}
		cs.spec.EventType = typeName
		cs.typ = t
		if cs.name == "" {
			cs.name = typeName
		}
		if fv, ok := lookup(v, "filter"); ok {
			params, err := compileFilter(fv, field+".filter", nil)
			if err != nil {
				return nil, err
			}
			cs.spec.Params = params
		}

	case hasPattern:
		node, err := compilePattern(pv, field+".pattern", env)
		if err != nil {
			return nil, err
		}
		cs.spec.Pattern = node
		if meta, err := pattern.Compile(node); err == nil {
			name := cs.spec.Name
			if name == "" {
				name = "pattern"
			}
			cs.typ = meta.ResultType(name, pattern.TagTypes(node))
		}

	default:
		return nil, errAt(v, ErrCodeStream, field, "a stream needs a type or a pattern")
	}

	if vv, ok := lookup(v, "views"); ok {
		views, err := compileViews(vv, field+".views", &scope{names: []string{cs.name}})
		if err != nil {
			return nil, err
		}
		cs.spec.Views = views
	}
	if kv, ok := lookup(v, "keys"); ok {
		keys, err := stringsValue(kv, ErrCodeStream, field+".keys")
		if err != nil {
			return nil, err
		}
		cs.spec.UniqueKeys = keys
	}
	return cs, nil
}

// compileFilter parses a list of filter constraints:
//
//	{prop: "sym", value: "IBM"}                  op defaults to "="
//	{prop: "price", op: "[)", lo: 10, hi: 20}
//	{prop: "sym", op: "in", values: ["A", "B"]}
//	{prop: "id", value: {ref: "a.id"}}           property of tag a
//	{expr: {">": ["price", "a.price"]}}          evaluated per event
//
// tags lists the pattern tags constraints may reference; nil outside
// patterns.
func compileFilter(v cue.Value, field string, tags map[string]bool) ([]filter.Param, error) {
	var params []filter.Param
	err := each(v, ErrCodeStream, field, func(i int, el cue.Value) error {
		p, err := compileParam(el, fmt.Sprintf("%s[%d]", field, i), tags)
		if err != nil {
			return err
		}
		params = append(params, p)
		return nil
	})
	return params, err
}

func compileParam(v cue.Value, field string, tags map[string]bool) (filter.Param, error) {
	var p filter.Param
	if ev, ok := lookup(v, "expr"); ok {
		sc := &scope{names: []string{""}, tags: tags}
		n, err := compileExpr(ev, field+".expr", sc)
		if err != nil {
			return p, err
		}
		p.Op = filter.OpBoolean
		p.Expr = n
		p.Tags = sc.bound
		return p, nil
	}

	pv, ok := lookup(v, "prop")
	if !ok {
		return p, errAt(v, ErrCodeStream, field, "prop or expr is required")
	}
	prop, err := stringValue(pv, ErrCodeStream, field+".prop")
	if err != nil {
		return p, err
	}
	p.Property = prop
	p.Op = filter.OpEqual
	if ov, ok := lookup(v, "op"); ok {
		s, err := stringValue(ov, ErrCodeStream, field+".op")
		if err != nil {
			return p, err
		}
		if p.Op, err = filter.ParseOp(s); err != nil {
			return p, errAt(ov, ErrCodeStream, field+".op", "%v", err)
		}
	}

	if vv, ok := lookup(v, "value"); ok {
		if p.Value, p.Ref, err = operand(vv, field+".value"); err != nil {
			return p, err
		}
	}
	if vv, ok := lookup(v, "lo"); ok {
		if p.Lo, p.LoRef, err = operand(vv, field+".lo"); err != nil {
			return p, err
		}
	}
	if vv, ok := lookup(v, "hi"); ok {
		if p.Hi, p.HiRef, err = operand(vv, field+".hi"); err != nil {
			return p, err
		}
	}
	if vv, ok := lookup(v, "values"); ok {
		err := each(vv, ErrCodeStream, field+".values", func(i int, el cue.Value) error {
			c, err := constant(el, ErrCodeStream, fmt.Sprintf("%s.values[%d]", field, i))
			if err != nil {
				return err
			}
			p.Values = append(p.Values, c)
			return nil
		})
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// operand reads a constant or a {ref: "tag.property"} reference.
func operand(v cue.Value, field string) (any, *filter.TagRef, error) {
	if v.Kind() != cue.StructKind {
		c, err := constant(v, ErrCodeStream, field)
		return c, nil, err
	}
	rv, ok := lookup(v, "ref")
	if !ok {
		return nil, nil, errAt(v, ErrCodeStream, field, "expected a constant or {ref: \"tag.property\"}")
	}
	s, err := stringValue(rv, ErrCodeStream, field+".ref")
	if err != nil {
		return nil, nil, err
	}
	tag, prop, ok := strings.Cut(s, ".")
	if !ok || tag == "" || prop == "" {
		return nil, nil, errAt(rv, ErrCodeStream, field+".ref", "reference %q is not of the form tag.property", s)
	}
	return nil, &filter.TagRef{Tag: tag, Property: prop}, nil
}

// compileViews parses a view chain. Every element names one view:
//
//	{length: 10}
//	{time: "30s"}                          milliseconds or a duration string
//	{lengthBatch: 5}
//	{timeBatch: "1s"}
//	{timeBatch: {interval: "1s", reference: 0, forceUpdate: true}}
//	{unique: ["sym"]}
//	{addProperty: {name: "total", expr: {"*": ["qty", "price"]}}}
//	{groupwin: {by: ["sym"], views: [{length: 3}]}}
func compileViews(v cue.Value, field string, sc *scope) ([]view.Spec, error) {
	var specs []view.Spec
	err := each(v, ErrCodeStream, field, func(i int, el cue.Value) error {
		s, err := compileView(el, fmt.Sprintf("%s[%d]", field, i), sc)
		if err != nil {
			return err
		}
		specs = append(specs, s)
		return nil
	})
	return specs, err
}

func compileView(v cue.Value, field string, sc *scope) (view.Spec, error) {
	ls, err := labels(v)
	if err != nil {
		return nil, err
	}
	if len(ls) != 1 {
		return nil, errAt(v, ErrCodeStream, field, "expected exactly one view name, got %v", ls)
	}
	name := ls[0]
	arg, _ := lookup(v, name)
	field = field + "." + name

	switch name {
	case "length", "lengthBatch":
		n, err := intValue(arg, ErrCodeStream, field)
		if err != nil {
			return nil, err
		}
		if name == "length" {
			return view.Length{N: int(n)}, nil
		}
		return view.LengthBatch{N: int(n)}, nil

	case "time":
		msec, err := msecValue(arg, ErrCodeStream, field)
		if err != nil {
			return nil, err
		}
		return view.Time{Msec: msec}, nil

	case "timeBatch":
		return compileTimeBatch(arg, field)

	case "unique":
		props, err := stringsValue(arg, ErrCodeStream, field)
		if err != nil {
			return nil, err
		}
		return view.Unique{Props: props}, nil

	case "addProperty":
		nv, ok := lookup(arg, "name")
		if !ok {
			return nil, errAt(arg, ErrCodeStream, field, "name is required")
		}
		prop, err := stringValue(nv, ErrCodeStream, field+".name")
		if err != nil {
			return nil, err
		}
		ev, ok := lookup(arg, "expr")
		if !ok {
			return nil, errAt(arg, ErrCodeStream, field, "expr is required")
		}
		n, err := compileExpr(ev, field+".expr", sc)
		if err != nil {
			return nil, err
		}
		return view.AddProperty{Name: prop, Expr: n}, nil

	case "groupwin":
		bv, ok := lookup(arg, "by")
		if !ok {
			return nil, errAt(arg, ErrCodeStream, field, "by is required")
		}
		props, err := stringsValue(bv, ErrCodeStream, field+".by")
		if err != nil {
			return nil, err
		}
		iv, ok := lookup(arg, "views")
		if !ok {
			return nil, errAt(arg, ErrCodeStream, field, "views is required")
		}
		inner, err := compileViews(iv, field+".views", sc)
		if err != nil {
			return nil, err
		}
		return view.GroupWin{Props: props, Inner: inner}, nil
	}
	return nil, errAt(v, ErrCodeStream, field, "unknown view %q", name)
}

func compileTimeBatch(v cue.Value, field string) (view.Spec, error) {
	if v.Kind() != cue.StructKind {
		msec, err := msecValue(v, ErrCodeStream, field)
		if err != nil {
			return nil, err
		}
		return view.TimeBatch{Msec: msec}, nil
	}
	var tb view.TimeBatch
	iv, ok := lookup(v, "interval")
	if !ok {
		return nil, errAt(v, ErrCodeStream, field, "interval is required")
	}
	var err error
	if tb.Msec, err = msecValue(iv, ErrCodeStream, field+".interval"); err != nil {
		return nil, err
	}
	if rv, ok := lookup(v, "reference"); ok {
		ref, err := intValue(rv, ErrCodeStream, field+".reference")
		if err != nil {
			return nil, err
		}
		tb.Reference = &ref
	}
	if fv, ok := lookup(v, "forceUpdate"); ok {
		if tb.ForceUpdate, err = boolValue(fv, ErrCodeStream, field+".forceUpdate"); err != nil {
			return nil, err
		}
	}
	return tb, nil
}
