package event

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Segment is one step of a property path.
type Segment struct {
	Name     string
	Index    int
	HasIndex bool
	Key      string
	HasKey   bool
}

// Path is a parsed property path.
type Path []Segment

// IsSimple reports whether the path is a single plain property name.
func (p Path) IsSimple() bool {
	return len(p) == 1 && !p[0].HasIndex && !p[0].HasKey
}

func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Name)
		if s.HasIndex {
			fmt.Fprintf(&b, "[%d]", s.Index)
		}
		if s.HasKey {
			fmt.Fprintf(&b, "('%s')", s.Key)
		}
	}
	return b.String()
}

// isSimpleName reports whether s has no path syntax at all.
func isSimpleName(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".[(")
}

// ParsePath parses a property path such as "a.b[1].c('k')".
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty property path")
	}
	var path Path
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] != '.' && s[j] != '[' && s[j] != '(' {
			j++
		}
		if j == i {
			return nil, fmt.Errorf("property path %q: empty segment at %d", s, i)
		}
		seg := Segment{Name: s[i:j]}
		i = j
		if i < len(s) && s[i] == '[' {
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("property path %q: unterminated index", s)
			}
			n, err := strconv.Atoi(s[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("property path %q: invalid index %q", s, s[i+1:i+end])
			}
			seg.Index, seg.HasIndex = n, true
			i += end + 1
		} else if i < len(s) && s[i] == '(' {
			end := strings.IndexByte(s[i:], ')')
			if end < 0 {
				return nil, fmt.Errorf("property path %q: unterminated key", s)
			}
			key := strings.TrimSpace(s[i+1 : i+end])
			if len(key) < 2 || (key[0] != '\'' && key[0] != '"') || key[len(key)-1] != key[0] {
				return nil, fmt.Errorf("property path %q: key must be quoted", s)
			}
			seg.Key, seg.HasKey = key[1:len(key)-1], true
			i += end + 1
		}
		path = append(path, seg)
		if i < len(s) {
			if s[i] != '.' {
				return nil, fmt.Errorf("property path %q: unexpected %q at %d", s, s[i], i)
			}
			i++
			if i == len(s) {
				return nil, fmt.Errorf("property path %q: trailing dot", s)
			}
		}
	}
	return path, nil
}

// Resolve walks a path starting from a root value. Events, string-keyed
// maps and slices are traversed; anything else ends the walk with nil.
func Resolve(root any, p Path) any {
	v := root
	for _, seg := range p {
		v = lookupName(v, seg.Name)
		if v == nil {
			return nil
		}
		if seg.HasIndex {
			v = lookupIndex(v, seg.Index)
		} else if seg.HasKey {
			v = lookupKey(v, seg.Key)
		}
		if v == nil {
			return nil
		}
	}
	return v
}

func lookupName(v any, name string) any {
	switch x := v.(type) {
	case Event:
		return x.Get(name)
	case map[string]any:
		return x[name]
	}
	return nil
}

func lookupIndex(v any, idx int) any {
	switch x := v.(type) {
	case []any:
		if idx < len(x) {
			return x[idx]
		}
		return nil
	case []Event:
		if idx < len(x) {
			return x[idx]
		}
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if idx < rv.Len() {
			return rv.Index(idx).Interface()
		}
	}
	return nil
}

func lookupKey(v any, key string) any {
	switch x := v.(type) {
	case map[string]any:
		return x[key]
	case map[string]string:
		if s, ok := x[key]; ok {
			return s
		}
	case Event:
		return x.Get(key)
	}
	return nil
}
