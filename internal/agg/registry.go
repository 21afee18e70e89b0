package agg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Function is an aggregation function available to statements.
type Function interface {
	Name() string
	// Validate checks the kind of the argument and returns the kind of
	// the result. count(*) passes KindAny.
	Validate(arg event.Kind) (event.Kind, error)
	New() Method
}

// Spec is a compiled aggregate of a select or having clause. A nil Arg
// together with Func "count" is count(*).
type Spec struct {
	Func     string
	Arg      expr.Node
	Distinct bool
}

func (s Spec) String() string {
	arg := "*"
	if s.Arg != nil {
		arg = expr.String(s.Arg)
	}
	if s.Distinct {
		arg = "distinct " + arg
	}
	return fmt.Sprintf("%s(%s)", s.Func, arg)
}

type builtin struct {
	name     string
	numeric  bool
	ordered  bool
	result   func(arg event.Kind) event.Kind
	newState func() Method
}

func (b *builtin) Name() string { return b.name }
func (b *builtin) New() Method  { return b.newState() }

func (b *builtin) Validate(arg event.Kind) (event.Kind, error) {
	if b.numeric && arg != event.KindAny && !arg.IsNumeric() {
		return event.KindAny, fmt.Errorf("%s requires a numeric argument, got %s", b.name, arg)
	}
	if b.ordered && arg != event.KindAny && !arg.IsNumeric() && arg != event.KindString {
		return event.KindAny, fmt.Errorf("%s requires a numeric or string argument, got %s", b.name, arg)
	}
	return b.result(arg), nil
}

func fixed(k event.Kind) func(event.Kind) event.Kind {
	return func(event.Kind) event.Kind { return k }
}

func same(arg event.Kind) event.Kind { return arg }

func sumKind(arg event.Kind) event.Kind {
	if arg == event.KindInt {
		return event.KindInt
	}
	if arg == event.KindAny {
		return event.KindAny
	}
	return event.KindFloat
}

// Registry resolves aggregation functions by name.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]Function
	plugins map[string]bool
}

// NewRegistry returns a registry holding the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Function), plugins: make(map[string]bool)}
	for _, b := range []*builtin{
		{name: "count", result: fixed(event.KindInt), newState: func() Method { return &count{} }},
		{name: "sum", numeric: true, result: sumKind, newState: func() Method { return &sum{} }},
		{name: "avg", numeric: true, result: fixed(event.KindFloat), newState: func() Method { return &avg{} }},
		{name: "stddev", numeric: true, result: fixed(event.KindFloat), newState: func() Method { return &stddev{} }},
		{name: "avedev", numeric: true, result: fixed(event.KindFloat), newState: func() Method { return &avedev{} }},
		{name: "median", numeric: true, result: fixed(event.KindFloat), newState: func() Method { return &median{} }},
		{name: "min", ordered: true, result: same, newState: func() Method { return &extreme{} }},
		{name: "max", ordered: true, result: same, newState: func() Method { return &extreme{max: true} }},
		{name: "first", result: same, newState: func() Method { return &firstLast{} }},
		{name: "last", result: same, newState: func() Method { return &firstLast{last: true} }},
	} {
		r.funcs[b.name] = b
	}
	return r
}

// Register adds a plug-in function. Plug-in methods run behind a recover
// boundary. Built-in names cannot be replaced.
func (r *Registry) Register(f Function) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[f.Name()]; ok {
		return fmt.Errorf("aggregation function %q already registered", f.Name())
	}
	r.funcs[f.Name()] = f
	r.plugins[f.Name()] = true
	return nil
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (Function, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[name]
	return f, r.plugins[name], ok
}

// Validate checks s against the stream types and returns the result kind.
func (r *Registry) Validate(s Spec, types []*event.Type) (event.Kind, error) {
	invalid := func(msg string) error {
		return &expr.ValidationError{Expr: s.String(), Message: msg}
	}
	f, _, ok := r.lookup(s.Func)
	if !ok {
		return event.KindAny, invalid(fmt.Sprintf("unknown aggregation function %q", s.Func))
	}
	arg := event.KindAny
	if s.Arg == nil {
		if s.Func != "count" || s.Distinct {
			return event.KindAny, invalid("an argument is required")
		}
	} else {
		if err := expr.Validate(s.Arg, types, -1); err != nil {
			return event.KindAny, err
		}
		arg = expr.KindOf(s.Arg, types)
	}
	k, err := f.Validate(arg)
	if err != nil {
		return event.KindAny, invalid(err.Error())
	}
	return k, nil
}
