package compiler

import (
	"time"

	"cuelang.org/go/cue"
)

// lookup returns the field name of struct v. Labels such as "=" are not
// identifiers, so paths are built from quoted selectors.
func lookup(v cue.Value, name string) (cue.Value, bool) {
	f := v.LookupPath(cue.MakePath(cue.Str(name)))
	return f, f.Exists()
}

// labels lists the regular fields of struct v in declaration order.
func labels(v cue.Value) ([]string, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		out = append(out, selectorName(iter.Selector()))
	}
	return out, nil
}

// label returns the last path selector of v, the name a struct field was
// declared under.
func label(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return selectorName(sels[len(sels)-1])
}

func selectorName(sel cue.Selector) string {
	if sel.LabelType() != cue.StringLabel || sel.ConstraintType() >= cue.PatternConstraint {
		return sel.String()
	}
	return sel.Unquoted()
}

func stringValue(v cue.Value, code, field string) (string, error) {
	if v.Kind() != cue.StringKind {
		return "", errAt(v, code, field, "expected a string, got %s", kindName(v))
	}
	s, err := v.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func intValue(v cue.Value, code, field string) (int64, error) {
	if v.Kind() != cue.IntKind {
		return 0, errAt(v, code, field, "expected an integer, got %s", kindName(v))
	}
	n, err := v.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return n, nil
}

func boolValue(v cue.Value, code, field string) (bool, error) {
	if v.Kind() != cue.BoolKind {
		return false, errAt(v, code, field, "expected a bool, got %s", kindName(v))
	}
	b, err := v.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// msecValue reads a duration: an integer number of milliseconds or a Go
// duration string such as "1.5s".
func msecValue(v cue.Value, code, field string) (int64, error) {
	if v.Kind() == cue.StringKind {
		s, _ := v.String()
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errAt(v, code, field, "invalid duration %q", s)
		}
		return d.Milliseconds(), nil
	}
	return intValue(v, code, field)
}

// stringsValue reads a string or a list of strings.
func stringsValue(v cue.Value, code, field string) ([]string, error) {
	if v.Kind() == cue.StringKind {
		s, _ := v.String()
		return []string{s}, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, errAt(v, code, field, "expected a string or a list of strings, got %s", kindName(v))
	}
	var out []string
	for iter.Next() {
		s, err := stringValue(iter.Value(), code, field)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// constant reads a concrete scalar: null, bool, int64, float64 or string.
func constant(v cue.Value, code, field string) (any, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return boolValue(v, code, field)
	case cue.IntKind:
		return intValue(v, code, field)
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return f, nil
	case cue.StringKind:
		return stringValue(v, code, field)
	}
	return nil, errAt(v, code, field, "expected a constant, got %s", kindName(v))
}

func kindName(v cue.Value) string {
	if k := v.Kind(); k != cue.BottomKind {
		return k.String()
	}
	if v.Err() != nil {
		return "error"
	}
	return "incomplete value " + v.IncompleteKind().String()
}

// each calls fn for every element of list v.
func each(v cue.Value, code, field string, fn func(i int, el cue.Value) error) error {
	iter, err := v.List()
	if err != nil {
		return errAt(v, code, field, "expected a list, got %s", kindName(v))
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(i, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}
