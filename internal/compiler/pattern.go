package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/pattern"
)

// patternCompiler builds a pattern tree. tags holds every tag of the
// pattern in slot order, so guard expressions can address them before the
// tree is complete.
type patternCompiler struct {
	env   Env
	tags  []string
	known map[string]bool
}

// compilePattern parses a pattern expression:
//
//	{event: "Order", tag: "o", filter: [...]}
//	{every: p}, {not: p}
//	{and: [p, ...]}, {or: [p, ...]}, {followedBy: [p, ...]}
//	{observer: "timer:interval", params: ["6s"]}
//	{guard: "timer:within", params: [5000], pattern: p}
//
// Guard and observer names resolve through env's plug-in registry. Plug-in
// parameters are constants, or expressions over the pattern's tags.
func compilePattern(v cue.Value, field string, env Env) (pattern.Node, error) {
	pc := &patternCompiler{env: env, known: make(map[string]bool)}
	pc.collect(v)
	return pc.node(v, field)
}

// collect records tags in the order the pattern compiler assigns slots.
func (pc *patternCompiler) collect(v cue.Value) {
	if v.Kind() != cue.StructKind {
		return
	}
	if _, ok := lookup(v, "event"); ok {
		if tv, ok := lookup(v, "tag"); ok {
			if tag, err := tv.String(); err == nil && tag != "" && !pc.known[tag] {
				pc.known[tag] = true
				pc.tags = append(pc.tags, tag)
			}
		}
		return
	}
	if _, ok := lookup(v, "guard"); ok {
		if child, ok := lookup(v, "pattern"); ok {
			pc.collect(child)
		}
		return
	}
	for _, op := range []string{"every", "not"} {
		if child, ok := lookup(v, op); ok {
			pc.collect(child)
		}
	}
	for _, op := range []string{"and", "or", "followedBy"} {
		if list, ok := lookup(v, op); ok {
			if iter, err := list.List(); err == nil {
				for iter.Next() {
					pc.collect(iter.Value())
				}
			}
		}
	}
}

func (pc *patternCompiler) node(v cue.Value, field string) (pattern.Node, error) {
	if v.Kind() != cue.StructKind {
		return nil, errAt(v, ErrCodePattern, field, "expected a pattern struct, got %s", kindName(v))
	}
	if ev, ok := lookup(v, "event"); ok {
		return pc.filter(v, ev, field)
	}
	if ov, ok := lookup(v, "observer"); ok {
		name, err := stringValue(ov, ErrCodePattern, field+".observer")
		if err != nil {
			return nil, err
		}
		params, err := pc.params(v, field)
		if err != nil {
			return nil, err
		}
		f, err := pc.env.Plugins().Observer(name, params)
		if err != nil {
			return nil, &CompileError{Code: ErrCodePattern, Field: field, Message: "observer", Pos: ov.Pos(), Err: err}
		}
		return &pattern.Observer{Factory: f}, nil
	}
	if gv, ok := lookup(v, "guard"); ok {
		name, err := stringValue(gv, ErrCodePattern, field+".guard")
		if err != nil {
			return nil, err
		}
		cv, ok := lookup(v, "pattern")
		if !ok {
			return nil, errAt(v, ErrCodePattern, field, "guard %q needs a pattern", name)
		}
		child, err := pc.node(cv, field+".pattern")
		if err != nil {
			return nil, err
		}
		params, err := pc.params(v, field)
		if err != nil {
			return nil, err
		}
		f, err := pc.env.Plugins().Guard(name, params)
		if err != nil {
			return nil, &CompileError{Code: ErrCodePattern, Field: field, Message: "guard", Pos: gv.Pos(), Err: err}
		}
		return &pattern.Guard{Child: child, Factory: f}, nil
	}

	ls, err := labels(v)
	if err != nil {
		return nil, err
	}
	if len(ls) != 1 {
		return nil, errAt(v, ErrCodePattern, field, "expected exactly one pattern operator, got %v", ls)
	}
	op := ls[0]
	arg, _ := lookup(v, op)
	field = field + "." + op

	switch op {
	case "every", "not":
		child, err := pc.node(arg, field)
		if err != nil {
			return nil, err
		}
		if op == "every" {
			return &pattern.Every{Child: child}, nil
		}
		return &pattern.Not{Child: child}, nil

	case "and", "or", "followedBy":
		var children []pattern.Node
		err := each(arg, ErrCodePattern, field, func(i int, el cue.Value) error {
			child, err := pc.node(el, fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return err
			}
			children = append(children, child)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, errAt(arg, ErrCodePattern, field, "%s needs at least one pattern", op)
		}
		switch op {
		case "and":
			return &pattern.And{Children: children}, nil
		case "or":
			return &pattern.Or{Children: children}, nil
		}
		return &pattern.FollowedBy{Children: children}, nil
	}
	return nil, errAt(v, ErrCodePattern, field, "unknown pattern operator %q", op)
}

func (pc *patternCompiler) filter(v, ev cue.Value, field string) (pattern.Node, error) {
	typeName, err := stringValue(ev, ErrCodePattern, field+".event")
	if err != nil {
		return nil, err
	}
	t, ok := pc.env.EventType(typeName)
	if !ok {
		return nil, errAt(ev, ErrCodePattern, field+".event", "unknown event type %q", typeName)
	}
	f := &pattern.Filter{}
	if tv, ok := lookup(v, "tag"); ok {
		if f.Tag, err = stringValue(tv, ErrCodePattern, field+".tag"); err != nil {
			return nil, err
		}
	}
	var params []filter.Param
	if fv, ok := lookup(v, "filter"); ok {
		if params, err = compileFilter(fv, field+".filter", pc.known); err != nil {
			return nil, err
		}
	}
	if f.Spec, err = filter.NewSpec(t, params...); err != nil {
		return nil, &CompileError{Code: ErrCodePattern, Field: field, Message: "filter", Pos: v.Pos(), Err: err}
	}
	return f, nil
}

// params reads the params list of a plug-in. Durations are accepted as
// strings for the timer plug-ins; struct values compile as expressions
// whose properties start with a tag.
func (pc *patternCompiler) params(v cue.Value, field string) (pattern.Params, error) {
	pv, ok := lookup(v, "params")
	if !ok {
		return nil, nil
	}
	field = field + ".params"
	var params pattern.Params
	err := each(pv, ErrCodePattern, field, func(i int, el cue.Value) error {
		pf := fmt.Sprintf("%s[%d]", field, i)
		switch el.Kind() {
		case cue.StructKind:
			n, err := compileExpr(el, pf, &scope{names: pc.tags, qualified: true})
			if err != nil {
				return err
			}
			params = append(params, n)
		case cue.StringKind:
			if msec, err := msecValue(el, ErrCodePattern, pf); err == nil {
				params = append(params, msec)
				return nil
			}
			s, _ := el.String()
			params = append(params, s)
		default:
			c, err := constant(el, ErrCodePattern, pf)
			if err != nil {
				return err
			}
			params = append(params, c)
		}
		return nil
	})
	return params, err
}
