package compiler

import (
	"cuelang.org/go/cue"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/pattern"
)

// Env resolves the names a definition refers to. *engine.Engine implements
// it.
type Env interface {
	EventType(name string) (*event.Type, bool)
	Plugins() *pattern.Plugins
}

// CompileEventTypes parses the fields of an eventType struct, in declaration
// order:
//
//	eventType: {
//		Customer: {id: "string"}
//		Order: {id: "string", qty: "int", customer: "Customer"}
//		Anything: {}
//	}
//
// A property whose type is not a kind name must name an event type declared
// earlier in v or known to env; it holds events of that type. An empty
// struct declares a dynamic type.
func CompileEventTypes(v cue.Value, env Env) ([]*event.Type, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	declared := make(map[string]*event.Type)
	var types []*event.Type
	for iter.Next() {
		t, err := compileEventType(iter.Value(), func(name string) (*event.Type, bool) {
			if t, ok := declared[name]; ok {
				return t, true
			}
			if env == nil {
				return nil, false
			}
			return env.EventType(name)
		})
		if err != nil {
			return nil, err
		}
		declared[t.Name] = t
		types = append(types, t)
	}
	return types, nil
}

// CompileEventType parses one event type declaration. The type is named by
// the label v was declared under.
func CompileEventType(v cue.Value, env Env) (*event.Type, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileEventType(v, func(name string) (*event.Type, bool) {
		if env == nil {
			return nil, false
		}
		return env.EventType(name)
	})
}

func compileEventType(v cue.Value, resolve func(string) (*event.Type, bool)) (*event.Type, error) {
	name := label(v)
	field := "eventType." + name
	if name == "" {
		return nil, errAt(v, ErrCodeEventType, "eventType", "event type needs a name")
	}
	if v.Kind() != cue.StructKind {
		return nil, errAt(v, ErrCodeEventType, field, "expected a struct of property types, got %s", kindName(v))
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	props := make(map[string]event.Kind)
	nested := make(map[string]*event.Type)
	var order []string
	for iter.Next() {
		prop := selectorName(iter.Selector())
		pf := field + "." + prop
		typeName, err := stringValue(iter.Value(), ErrCodeEventType, pf)
		if err != nil {
			return nil, err
		}
		if kind, err := event.ParseKind(typeName); err == nil {
			props[prop] = kind
			continue
		}
		t, ok := resolve(typeName)
		if !ok {
			return nil, errAt(iter.Value(), ErrCodeEventType, pf,
				"%q is neither a property kind nor a declared event type", typeName)
		}
		nested[prop] = t
		order = append(order, prop)
	}

	t := event.NewType(name, props)
	for _, prop := range order {
		t.WithEventProperty(prop, nested[prop])
	}
	return t, nil
}
