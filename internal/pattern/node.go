package pattern

import (
	"fmt"
	"strings"

	"github.com/roach88/esq/internal/filter"
)

// Node is a compiled pattern operator.
type Node interface {
	patternNode()
}

// Filter matches one event against Spec and binds it to Tag, if set.
type Filter struct {
	Tag  string
	Spec *filter.Spec
}

// And is true once every child has been true.
type And struct {
	Children []Node
}

// Or is true when any child is true.
type Or struct {
	Children []Node
}

// FollowedBy starts each child after its predecessor turned true.
type FollowedBy struct {
	Children []Node
}

// Not is true until its child turns true.
type Not struct {
	Child Node
}

// Every restarts its child for each match, keeping earlier activations.
type Every struct {
	Child Node
}

// Guard filters the matches of Child through a guard plug-in.
type Guard struct {
	Child   Node
	Factory GuardFactory
}

// Observer reports truth from an observer plug-in.
type Observer struct {
	Factory ObserverFactory
}

func (*Filter) patternNode()     {}
func (*And) patternNode()        {}
func (*Or) patternNode()         {}
func (*FollowedBy) patternNode() {}
func (*Not) patternNode()        {}
func (*Every) patternNode()      {}
func (*Guard) patternNode()      {}
func (*Observer) patternNode()   {}

// String renders n in pattern syntax.
func String(n Node) string {
	switch x := n.(type) {
	case *Filter:
		if x.Tag != "" {
			return x.Tag + "=" + x.Spec.String()
		}
		return x.Spec.String()
	case *And:
		return join(x.Children, " and ")
	case *Or:
		return join(x.Children, " or ")
	case *FollowedBy:
		return join(x.Children, " -> ")
	case *Not:
		return "not " + String(x.Child)
	case *Every:
		return "every " + String(x.Child)
	case *Guard:
		return fmt.Sprintf("%s where %s", String(x.Child), x.Factory.Name())
	case *Observer:
		return x.Factory.Name()
	}
	return fmt.Sprintf("%T", n)
}

func join(children []Node, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = String(c)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// children returns the direct sub-patterns of n.
func children(n Node) []Node {
	switch x := n.(type) {
	case *And:
		return x.Children
	case *Or:
		return x.Children
	case *FollowedBy:
		return x.Children
	case *Not:
		return []Node{x.Child}
	case *Every:
		return []Node{x.Child}
	case *Guard:
		return []Node{x.Child}
	}
	return nil
}
