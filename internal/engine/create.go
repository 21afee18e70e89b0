package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/join"
	"github.com/roach88/esq/internal/pattern"
	"github.com/roach88/esq/internal/result"
	"github.com/roach88/esq/internal/view"
)

// CreateStatement validates spec and starts the statement. Every validation
// happens before anything is registered; if registration fails part way,
// what was registered is removed again and a ValidationError returned.
func (e *Engine) CreateStatement(spec *StatementSpec) (*Statement, error) {
	_, span := e.tracer.Start(context.Background(), "esq.CreateStatement")
	defer span.End()

	s, err := e.createStatement(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("esq.statement", s.name),
		attribute.String("esq.result_kind", s.Kind().String()),
	)
	return s, nil
}

func (e *Engine) createStatement(spec *StatementSpec) (*Statement, error) {
	if spec == nil {
		return nil, &ValidationError{Code: ErrCodeInvalidStatement, Message: "statement spec is nil"}
	}

	// Creations are serialized; events keep flowing to other statements
	// because dispatch only reads the maps under the read lock.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	id := e.ids.Generate()
	name := spec.Name
	if name == "" {
		name = id
	}
	invalid := func(code ValidationErrorCode, err error, format string, args ...any) error {
		return &ValidationError{Code: code, Statement: name, Message: fmt.Sprintf(format, args...), Err: err}
	}
	if _, taken := e.statements[name]; taken {
		return nil, invalid(ErrCodeDuplicateStatement, nil, "statement name already in use")
	}
	if len(spec.Streams) == 0 {
		return nil, invalid(ErrCodeInvalidStatement, nil, "statement has no streams")
	}

	s := &Statement{
		id:     id,
		name:   name,
		spec:   spec,
		engine: e,
		logger: e.logger.With("statement", name),
		bucket: e.slots.NewBucket(),
	}
	ok := false
	defer func() {
		if !ok {
			s.stop()
		}
	}()

	if err := e.buildStreams(s); err != nil {
		return nil, err
	}

	if len(s.streams) > 1 {
		var opts []join.PlanOption
		for i, st := range spec.Streams {
			if len(st.UniqueKeys) > 0 {
				opts = append(opts, join.WithUniqueKeys(i, st.UniqueKeys...))
			}
		}
		c, err := join.NewComposer(s.types, spec.Where, opts...)
		if err != nil {
			return nil, invalid(ErrCodeInvalidExpression, err, "join")
		}
		s.composer = c
	} else if spec.Where != nil {
		if err := expr.Validate(spec.Where, s.types, -1); err != nil {
			return nil, invalid(ErrCodeInvalidExpression, err, "where")
		}
		if k := expr.KindOf(spec.Where, s.types); k != event.KindBool && k != event.KindAny {
			return nil, invalid(ErrCodeInvalidExpression, nil, "where clause is %s, not bool", k)
		}
	}

	outName := name
	if spec.InsertInto != "" {
		outName = spec.InsertInto
	}
	rs := &result.Spec{
		Name:     outName,
		Types:    s.types,
		Wildcard: spec.Wildcard,
		Select:   spec.Select,
		GroupBy:  spec.GroupBy,
		Having:   spec.Having,
		Aggs:     spec.Aggs,
	}
	for i, st := range spec.Streams {
		n := st.Name
		if n == "" {
			n = fmt.Sprintf("s%d", i)
		}
		rs.StreamNames = append(rs.StreamNames, n)
	}
	proc, err := result.NewProcessor(rs, e.aggs, agg.WithStatement(name), agg.WithLogger(s.logger))
	if err != nil {
		return nil, invalid(ErrCodeInvalidExpression, err, "select")
	}
	s.proc = proc

	out, err := result.NewOutputCondition(result.OutputContext{
		Statement: name,
		Owner:     s,
		Scheduler: e.sched,
		Slot:      s.bucket.Allocate(),
		Logger:    s.logger,
	}, spec.Output, s.emit)
	if err != nil {
		return nil, invalid(ErrCodeInvalidExpression, err, "output")
	}
	s.output = out

	if spec.InsertInto != "" {
		if err := e.bindInsertInto(s); err != nil {
			return nil, err
		}
	}

	// Registration. The statement lock keeps pattern callbacks from running
	// before the statement is complete.
	s.mu.Lock()
	err = e.register(s)
	s.mu.Unlock()
	if err != nil {
		return nil, invalid(ErrCodeRegistration, err, "registration failed")
	}

	if s.routeType != nil && e.types[s.routeType.Name] == nil {
		e.types[s.routeType.Name] = s.routeType
	}
	e.statements[name] = s
	e.order = append(e.order, s)
	ok = true

	e.logger.Info("statement created",
		"statement", name,
		"id", id,
		"streams", len(s.streams),
		"result_kind", proc.Kind().String(),
	)
	return s, nil
}

// buildStreams compiles the filter or pattern and the view chain of every
// stream. Called with e.mu held.
func (e *Engine) buildStreams(s *Statement) error {
	ctx := &view.Context{
		Statement: s.name,
		Owner:     s,
		Scheduler: e.sched,
		Bucket:    s.bucket,
		Logger:    s.logger,
	}
	for i, st := range s.spec.Streams {
		invalid := func(code ValidationErrorCode, err error, format string, args ...any) error {
			msg := fmt.Sprintf("stream %d: ", i) + fmt.Sprintf(format, args...)
			return &ValidationError{Code: code, Statement: s.name, Message: msg, Err: err}
		}

		var t *event.Type
		var register func()
		switch {
		case st.Pattern != nil && st.EventType != "":
			return invalid(ErrCodeInvalidStream, nil, "both an event type and a pattern given")

		case st.Pattern != nil:
			meta, err := pattern.Compile(st.Pattern)
			if err != nil {
				return invalid(ErrCodeInvalidStream, err, "pattern")
			}
			for tag, tt := range pattern.TagTypes(st.Pattern) {
				if e.types[tt.Name] == nil {
					return invalid(ErrCodeUnknownEventType, nil, "tag %s: unknown event type %s", tag, tt.Name)
				}
			}
			typeName := st.Name
			if typeName == "" {
				typeName = fmt.Sprintf("%s.pattern%d", s.name, i)
			}
			t = meta.ResultType(typeName, pattern.TagTypes(st.Pattern))
			register = func() {
				rt := &pattern.Runtime{
					Statement: s.name,
					Owner:     s,
					Filters:   e.filters,
					Scheduler: e.sched,
					Bucket:    s.bucket,
					Logger:    s.logger,
				}
				root := pattern.NewRoot(st.Pattern, meta, rt, func(m *pattern.MatchedEvents) {
					s.streams[i].Insert(m.Event(t))
				})
				s.patterns = append(s.patterns, root)
			}

		case st.EventType != "":
			t = e.types[st.EventType]
			if t == nil {
				return invalid(ErrCodeUnknownEventType, nil, "unknown event type %s", st.EventType)
			}
			fs, err := filter.NewSpec(t, st.Params...)
			if err != nil {
				return invalid(ErrCodeInvalidStream, err, "filter")
			}
			if fs.HasRefs() {
				return invalid(ErrCodeInvalidStream, nil, "filter references pattern tags outside a pattern")
			}
			register = func() {
				h := filter.NewHandle(s, func(ev event.Event) {
					s.streams[i].Insert(ev)
				})
				s.filters = append(s.filters, registeredFilter{spec: fs, handle: h})
			}

		default:
			return invalid(ErrCodeInvalidStream, nil, "neither an event type nor a pattern given")
		}

		vs, err := view.NewStream(ctx, t, st.Views...)
		if err != nil {
			return invalid(ErrCodeInvalidStream, err, "views")
		}
		vs.SetChild(view.DownstreamFunc(func(newData, oldData []event.Event) {
			s.onStream(i, newData, oldData)
		}))
		s.streams = append(s.streams, vs)
		s.types = append(s.types, vs.Type())
		register()
	}
	return nil
}

// bindInsertInto decides the type routed output carries. Called with e.mu
// held.
func (e *Engine) bindInsertInto(s *Statement) error {
	name := s.spec.InsertInto
	out := s.proc.OutputType()
	if existing := e.types[name]; existing != nil {
		if !existing.IsDynamic() && !sameShape(existing, out) {
			return &ValidationError{
				Code:      ErrCodeInvalidStatement,
				Statement: s.name,
				Message:   fmt.Sprintf("insert into %s: output properties differ from the declared type", name),
			}
		}
		s.routeType = existing
		return nil
	}
	if out.Name != name {
		out = out.Renamed(name)
	}
	s.routeType = out
	return nil
}

func sameShape(a, b *event.Type) bool {
	pa, pb := a.Properties(), b.Properties()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

// register adds every filter handle and starts every pattern. Called with
// the statement lock held; the deferred stop in createStatement undoes a
// partial registration.
func (e *Engine) register(s *Statement) error {
	for i := range s.filters {
		f := &s.filters[i]
		if err := e.filters.Add(f.spec, f.handle); err != nil {
			return fmt.Errorf("filter %s: %w", f.spec, err)
		}
		f.added = true
	}
	for _, p := range s.patterns {
		p.Start()
	}
	return nil
}
