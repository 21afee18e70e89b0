package compiler

import (
	"io"
	"log/slog"

	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/event"
)

// Deployment is what Deploy declared and created.
type Deployment struct {
	Types      []*event.Type
	Statements []*engine.Statement
}

// Deploy declares the eventType struct of v on e, then compiles and creates
// the statement struct in declaration order, so a statement may read the
// type an earlier one inserts into. On error the statements created so far
// are destroyed; declared types stay.
func Deploy(e *engine.Engine, v cue.Value) (*Deployment, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	d := &Deployment{}

	if tv, ok := lookup(v, "eventType"); ok {
		types, err := CompileEventTypes(tv, e)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			if err := e.AddEventType(t); err != nil {
				return nil, &CompileError{Code: ErrCodeEventType, Field: "eventType." + t.Name, Message: "declare", Pos: tv.Pos(), Err: err}
			}
		}
		d.Types = types
	}

	sv, ok := lookup(v, "statement")
	if !ok {
		return d, nil
	}
	iter, err := sv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		s, err := createStatement(e, iter.Value())
		if err != nil {
			for _, created := range d.Statements {
				_ = e.DestroyStatement(created)
			}
			return nil, err
		}
		d.Statements = append(d.Statements, s)
	}
	return d, nil
}

func createStatement(e *engine.Engine, v cue.Value) (*engine.Statement, error) {
	spec, err := CompileStatement(v, e)
	if err != nil {
		return nil, err
	}
	s, err := e.CreateStatement(spec)
	if err != nil {
		return nil, &CompileError{
			Code:    ErrCodeRejected,
			Field:   "statement." + spec.Name,
			Message: "statement rejected",
			Pos:     v.Pos(),
			Err:     err,
		}
	}
	return s, nil
}

// Check compiles v against a scratch engine and returns every error found,
// instead of stopping at the first one.
func Check(v cue.Value) []error {
	if err := v.Err(); err != nil {
		return []error{formatCUEError(err)}
	}
	e := engine.New(engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer e.Close()

	var errs []error
	if tv, ok := lookup(v, "eventType"); ok {
		iter, err := tv.Fields()
		if err != nil {
			return []error{formatCUEError(err)}
		}
		for iter.Next() {
			t, err := CompileEventType(iter.Value(), e)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := e.AddEventType(t); err != nil {
				errs = append(errs, &CompileError{Code: ErrCodeEventType, Field: "eventType." + t.Name, Message: "declare", Pos: iter.Value().Pos(), Err: err})
			}
		}
	}

	if sv, ok := lookup(v, "statement"); ok {
		iter, err := sv.Fields()
		if err != nil {
			return append(errs, formatCUEError(err))
		}
		for iter.Next() {
			if _, err := createStatement(e, iter.Value()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}
