package event

import (
	"fmt"
	"sort"
	"sync"
)

// Kind describes the value kind of a property.
type Kind int

const (
	// KindAny is used for properties whose kind is not declared.
	KindAny Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindMap
	KindSlice
	KindEvent
)

var kindNames = map[Kind]string{
	KindAny:    "any",
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindMap:    "map",
	KindSlice:  "slice",
	KindEvent:  "event",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a declared type name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "any", "":
		return KindAny, nil
	case "string":
		return KindString, nil
	case "int", "long", "int64":
		return KindInt, nil
	case "float", "double", "float64":
		return KindFloat, nil
	case "bool", "boolean":
		return KindBool, nil
	case "map":
		return KindMap, nil
	case "slice", "array", "list":
		return KindSlice, nil
	case "event":
		return KindEvent, nil
	}
	return KindAny, fmt.Errorf("unknown property type %q", name)
}

// IsNumeric reports whether the kind holds numbers.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat
}

// Type names an event shape and, optionally, the kinds of its properties.
//
// A Type without declared properties is dynamic: any property name resolves
// and validation is skipped for it.
type Type struct {
	Name   string
	props  map[string]Kind
	nested map[string]*Type

	// paths caches parsed property paths for this type.
	paths sync.Map // string -> Path
}

// NewType creates an event type. props may be nil for a dynamic type.
func NewType(name string, props map[string]Kind) *Type {
	t := &Type{Name: name, props: make(map[string]Kind, len(props))}
	for k, v := range props {
		t.props[k] = v
	}
	return t
}

// WithEventProperty declares a property holding events of the given type.
// Used for pattern result types where each tag names a matched event.
func (t *Type) WithEventProperty(name string, nested *Type) *Type {
	if t.nested == nil {
		t.nested = make(map[string]*Type)
	}
	t.props[name] = KindEvent
	t.nested[name] = nested
	return t
}

// Renamed returns a copy of t under another name.
func (t *Type) Renamed(name string) *Type {
	c := NewType(name, t.props)
	for k, v := range t.nested {
		c.WithEventProperty(k, v)
	}
	return c
}

// IsDynamic reports whether the type declares no properties.
func (t *Type) IsDynamic() bool {
	return len(t.props) == 0
}

// Properties returns declared property names in sorted order.
func (t *Type) Properties() []string {
	names := make([]string, 0, len(t.props))
	for k := range t.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// PropertyType returns the kind of a property path. Dynamic types report
// KindAny for every path. The second result is false when the path cannot
// be resolved against the declared properties.
func (t *Type) PropertyType(path string) (Kind, bool) {
	if t == nil || t.IsDynamic() {
		return KindAny, true
	}
	p, err := t.Path(path)
	if err != nil {
		return KindAny, false
	}
	return t.kindOf(p)
}

func (t *Type) kindOf(p Path) (Kind, bool) {
	first := p[0]
	kind, ok := t.props[first.Name]
	if !ok {
		return KindAny, false
	}
	if len(p) == 1 {
		if first.HasIndex || first.HasKey {
			return KindAny, true
		}
		return kind, true
	}
	if kind == KindEvent {
		if nested := t.nested[first.Name]; nested != nil {
			if nested.IsDynamic() {
				return KindAny, true
			}
			return nested.kindOf(p[1:])
		}
	}
	if kind == KindAny || kind == KindMap || kind == KindEvent || kind == KindSlice {
		return KindAny, true
	}
	return KindAny, false
}

// Path returns the parsed form of a property path, cached per type.
func (t *Type) Path(path string) (Path, error) {
	if cached, ok := t.paths.Load(path); ok {
		return cached.(Path), nil
	}
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	t.paths.Store(path, p)
	return p, nil
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}
