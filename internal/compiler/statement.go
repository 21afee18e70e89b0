package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/result"
)

var statementFields = map[string]bool{
	"from":       true,
	"where":      true,
	"select":     true,
	"groupBy":    true,
	"having":     true,
	"output":     true,
	"stream":     true,
	"insertInto": true,
}

// CompileStatement parses a statement into a StatementSpec. The statement
// is named by the label v was declared under:
//
//	statement: avgPrice: {
//		from: [{type: "Tick", as: "t", views: [{length: 10}]}]
//		where: {">": ["t.price", 0]}
//		select: [{name: "avg", expr: {agg: "avg", of: "t.price"}}, "t.sym"]
//		groupBy: ["t.sym"]
//		having: {">": [{agg: "count"}, 2]}
//		output: {interval: "1s", mode: "last"}
//		stream: "istream"
//		insertInto: "AvgPrice"
//	}
//
// Only from is required; a missing select selects every property. The
// spec is checked again when the engine creates the statement.
func CompileStatement(v cue.Value, env Env) (*engine.StatementSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	spec := &engine.StatementSpec{Name: label(v)}
	field := "statement"
	if spec.Name != "" {
		field += "." + spec.Name
	}
	if v.Kind() != cue.StructKind {
		return nil, errAt(v, ErrCodeStatement, field, "expected a statement struct, got %s", kindName(v))
	}
	ls, err := labels(v)
	if err != nil {
		return nil, err
	}
	for _, l := range ls {
		if !statementFields[l] {
			fv, _ := lookup(v, l)
			return nil, errAt(fv, ErrCodeStatement, field+"."+l, "unknown statement field %q", l)
		}
	}

	fromVal, ok := lookup(v, "from")
	if !ok {
		return nil, errAt(v, ErrCodeStatement, field, "from is required")
	}
	sc := &scope{aggs: &spec.Aggs}
	err = each(fromVal, ErrCodeStatement, field+".from", func(i int, el cue.Value) error {
		cs, err := compileStream(el, fmt.Sprintf("%s.from[%d]", field, i), env)
		if err != nil {
			return err
		}
		for _, n := range sc.names {
			if n == cs.name {
				return errAt(el, ErrCodeStream, fmt.Sprintf("%s.from[%d]", field, i),
					"stream name %q is used twice: give the streams distinct names with as", n)
			}
		}
		spec.Streams = append(spec.Streams, cs.spec)
		sc.names = append(sc.names, cs.name)
		sc.types = append(sc.types, cs.typ)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(spec.Streams) == 0 {
		return nil, errAt(fromVal, ErrCodeStatement, field+".from", "at least one stream is required")
	}
	plain := sc.withoutAggs()

	if wv, ok := lookup(v, "where"); ok {
		if spec.Where, err = compileExpr(wv, field+".where", plain); err != nil {
			return nil, err
		}
	}

	if sv, ok := lookup(v, "select"); ok {
		if err := compileSelect(spec, sv, field+".select", sc); err != nil {
			return nil, err
		}
	} else {
		spec.Wildcard = true
	}

	if gv, ok := lookup(v, "groupBy"); ok {
		err := each(gv, ErrCodeStatement, field+".groupBy", func(i int, el cue.Value) error {
			n, err := compileExpr(el, fmt.Sprintf("%s.groupBy[%d]", field, i), plain)
			if err != nil {
				return err
			}
			spec.GroupBy = append(spec.GroupBy, n)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if hv, ok := lookup(v, "having"); ok {
		if spec.Having, err = compileExpr(hv, field+".having", sc); err != nil {
			return nil, err
		}
	}

	if ov, ok := lookup(v, "output"); ok {
		if spec.Output, err = compileOutput(ov, field+".output"); err != nil {
			return nil, err
		}
	}

	if sv, ok := lookup(v, "stream"); ok {
		s, err := stringValue(sv, ErrCodeOutput, field+".stream")
		if err != nil {
			return nil, err
		}
		switch s {
		case "irstream":
			spec.Stream = engine.IRStream
		case "istream":
			spec.Stream = engine.IStream
		case "rstream":
			spec.Stream = engine.RStream
		default:
			return nil, errAt(sv, ErrCodeOutput, field+".stream", "stream must be irstream, istream or rstream, got %q", s)
		}
	}

	if iv, ok := lookup(v, "insertInto"); ok {
		if spec.InsertInto, err = stringValue(iv, ErrCodeOutput, field+".insertInto"); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// compileSelect parses "*" or a list of select items. An item is a
// property path, or {name: "col", expr: e}; any other struct is an
// expression whose column is named after its text.
func compileSelect(spec *engine.StatementSpec, v cue.Value, field string, sc *scope) error {
	if v.Kind() == cue.StringKind {
		s, _ := v.String()
		if s != "*" {
			return errAt(v, ErrCodeStatement, field, "select must be \"*\" or a list, got %q", s)
		}
		spec.Wildcard = true
		return nil
	}
	return each(v, ErrCodeStatement, field, func(i int, el cue.Value) error {
		f := fmt.Sprintf("%s[%d]", field, i)
		var item result.SelectItem
		ev := el
		if el.Kind() == cue.StructKind {
			if xv, ok := lookup(el, "expr"); ok {
				ev = xv
				if nv, ok := lookup(el, "name"); ok {
					name, err := stringValue(nv, ErrCodeStatement, f+".name")
					if err != nil {
						return err
					}
					item.Name = name
				}
			}
		}
		n, err := compileExpr(ev, f, sc)
		if err != nil {
			return err
		}
		item.Expr = n
		if p, ok := n.(expr.Prop); ok && item.Name == "" {
			item.Name = columnName(p.Path)
		}
		spec.Select = append(spec.Select, item)
		return nil
	})
}

// columnName derives an output property name from a property path; nested
// segments are joined with underscores so the name stays a plain property.
func columnName(path string) string {
	r := strings.NewReplacer(".", "_", "[", "_", "]", "", "(", "_", ")", "", "'", "")
	return r.Replace(path)
}

// compileOutput parses an output rate:
//
//	{events: 5}
//	{interval: "1s", reference: 0}
//	{events: 5, mode: "last"}
func compileOutput(v cue.Value, field string) (result.OutputSpec, error) {
	var out result.OutputSpec
	if v.Kind() != cue.StructKind {
		return out, errAt(v, ErrCodeOutput, field, "expected an output struct, got %s", kindName(v))
	}
	ev, hasEvents := lookup(v, "events")
	iv, hasInterval := lookup(v, "interval")
	var err error
	switch {
	case hasEvents && hasInterval:
		return out, errAt(v, ErrCodeOutput, field, "output is either every n events or every interval")
	case hasEvents:
		n, err := intValue(ev, ErrCodeOutput, field+".events")
		if err != nil {
			return out, err
		}
		out.Rate = result.EveryN
		out.N = int(n)
	case hasInterval:
		out.Rate = result.EveryInterval
		if out.Msec, err = msecValue(iv, ErrCodeOutput, field+".interval"); err != nil {
			return out, err
		}
		if rv, ok := lookup(v, "reference"); ok {
			ref, err := intValue(rv, ErrCodeOutput, field+".reference")
			if err != nil {
				return out, err
			}
			out.Reference = &ref
		}
	}
	if mv, ok := lookup(v, "mode"); ok {
		mode, err := stringValue(mv, ErrCodeOutput, field+".mode")
		if err != nil {
			return out, err
		}
		switch mode {
		case "all":
			out.Mode = result.OutputAll
		case "last":
			out.Mode = result.OutputLast
		default:
			return out, errAt(mv, ErrCodeOutput, field+".mode", "mode must be all or last, got %q", mode)
		}
	}
	return out, nil
}
