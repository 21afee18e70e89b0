package pattern

import (
	"fmt"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
)

// Root runs one compiled pattern for one statement. It is not safe for
// concurrent use; the engine calls it under the statement lock.
type Root struct {
	node    Node
	meta    *Meta
	rt      *Runtime
	onMatch func(m *MatchedEvents)
	top     state
}

// NewRoot prepares a pattern for execution. onMatch receives every complete
// match.
func NewRoot(node Node, meta *Meta, rt *Runtime, onMatch func(m *MatchedEvents)) *Root {
	return &Root{node: node, meta: meta, rt: rt, onMatch: onMatch}
}

// Start activates the pattern.
func (r *Root) Start() {
	if r.top != nil {
		return
	}
	r.top = newState(r.node, r, r.rt)
	r.top.start(NewMatchedEvents(r.meta))
}

// Stop quits every state and releases their filters and schedules.
func (r *Root) Stop() {
	if r.top == nil {
		return
	}
	top := r.top
	r.top = nil
	top.quit()
}

// Active reports whether the pattern can still produce matches.
func (r *Root) Active() bool {
	return r.top != nil
}

func (r *Root) evaluateTrue(m *MatchedEvents, from state, quitted bool) {
	if quitted && from == r.top {
		r.top = nil
	}
	r.onMatch(m)
}

func (r *Root) evaluateFalse(from state, restartable bool) {
	if from != r.top {
		return
	}
	r.Stop()
}

// Compile validates a pattern tree and lays out its tags in the order they
// appear.
func Compile(n Node) (*Meta, error) {
	var tags []string
	if err := walk(n, &tags); err != nil {
		return nil, err
	}
	meta := NewMeta(tags...)
	var refErr error
	visit(n, func(x Node) {
		f, ok := x.(*Filter)
		if !ok || refErr != nil {
			return
		}
		for _, tag := range f.Spec.Tags() {
			if _, ok := meta.Index(tag); !ok {
				refErr = invalid(f, fmt.Sprintf("filter references undefined tag %q", tag))
				return
			}
		}
	})
	if refErr != nil {
		return nil, refErr
	}
	return meta, nil
}

// TagTypes maps every tag of n to the event type its filter matches.
func TagTypes(n Node) map[string]*event.Type {
	out := make(map[string]*event.Type)
	visit(n, func(x Node) {
		if f, ok := x.(*Filter); ok && f.Tag != "" && f.Spec != nil {
			out[f.Tag] = f.Spec.EventType
		}
	})
	return out
}

func invalid(n Node, msg string) error {
	return &expr.ValidationError{Expr: String(n), Message: msg}
}

func walk(n Node, tags *[]string) error {
	switch x := n.(type) {
	case nil:
		return &expr.ValidationError{Expr: "pattern", Message: "missing sub-pattern"}
	case *Filter:
		if x.Spec == nil {
			return &expr.ValidationError{Expr: x.Tag, Message: "filter without spec"}
		}
		if x.Tag != "" {
			*tags = append(*tags, x.Tag)
		}
		return nil
	case *And, *Or, *FollowedBy:
		if len(children(x)) == 0 {
			return &expr.ValidationError{Expr: fmt.Sprintf("%T", x), Message: "operator without operands"}
		}
	case *Guard:
		if x.Factory == nil {
			return &expr.ValidationError{Expr: "guard", Message: "guard without plug-in"}
		}
	case *Observer:
		if x.Factory == nil {
			return &expr.ValidationError{Expr: "observer", Message: "observer without plug-in"}
		}
		return nil
	}
	for _, c := range children(n) {
		if err := walk(c, tags); err != nil {
			return err
		}
	}
	return nil
}

func visit(n Node, fn func(Node)) {
	fn(n)
	for _, c := range children(n) {
		visit(c, fn)
	}
}
