package pattern

import (
	"fmt"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/filter"
)

// evaluator receives truth changes from a child state.
type evaluator interface {
	// evaluateTrue reports a match. quitted is set when the child will
	// produce no further matches and released its resources.
	evaluateTrue(m *MatchedEvents, from state, quitted bool)
	// evaluateFalse reports that the child can never turn true. restartable
	// tells an enclosing every it may start a fresh activation.
	evaluateFalse(from state, restartable bool)
}

// state is the per-activation progress of one pattern node. quit releases
// everything the state owns, is idempotent and never reports to the parent.
type state interface {
	start(begin *MatchedEvents)
	quit()
	setParent(p evaluator)
}

type stateBase struct {
	rt     *Runtime
	parent evaluator
}

func (b *stateBase) setParent(p evaluator) {
	b.parent = p
}

func newState(n Node, parent evaluator, rt *Runtime) state {
	base := stateBase{rt: rt, parent: parent}
	switch x := n.(type) {
	case *Filter:
		return &filterState{stateBase: base, node: x}
	case *And:
		return &andState{stateBase: base, node: x}
	case *Or:
		return &orState{stateBase: base, node: x}
	case *FollowedBy:
		return &followedByState{stateBase: base, node: x}
	case *Not:
		return &notState{stateBase: base, node: x}
	case *Every:
		return &everyState{stateBase: base, node: x}
	case *Guard:
		return &guardState{stateBase: base, node: x}
	case *Observer:
		return &observerState{stateBase: base, node: x}
	}
	panic(fmt.Sprintf("pattern: unsupported node %T", n))
}

func indexOf(states []state, s state) int {
	for i, x := range states {
		if x == s {
			return i
		}
	}
	return -1
}

// filterState waits for one event matching the leaf's filter.
type filterState struct {
	stateBase
	node *Filter
	// nonQuitting keeps the filter registered after a match; set when the
	// leaf is the direct child of every.
	nonQuitting bool
	begin       *MatchedEvents
	spec        *filter.Spec
	handle      *filter.Handle
}

func (s *filterState) start(begin *MatchedEvents) {
	s.begin = begin
	s.spec = s.node.Spec.Resolve(begin.Get)
	s.handle = s.rt.addFilter(s.spec, s.matchFound)
}

func (s *filterState) matchFound(ev event.Event) {
	// The handle may have been in the engine's match snapshot when the
	// state quit.
	if s.handle == nil {
		return
	}
	m := s.begin.Clone()
	if s.node.Tag != "" {
		m.Set(s.node.Tag, ev)
	}
	quitted := !s.nonQuitting
	if quitted {
		s.quit()
	}
	s.parent.evaluateTrue(m, s, quitted)
}

func (s *filterState) quit() {
	if s.handle == nil {
		return
	}
	h := s.handle
	s.handle = nil
	s.rt.removeFilter(s.spec, h)
}

// spawnCapture stands in as parent while every starts a new activation, so
// an activation that is true on start can be detected and discarded.
type spawnCapture struct {
	evaluatedTrue  bool
	evaluatedFalse bool
}

func (c *spawnCapture) evaluateTrue(*MatchedEvents, state, bool) {
	c.evaluatedTrue = true
}

func (c *spawnCapture) evaluateFalse(state, bool) {
	c.evaluatedFalse = true
}

type everyState struct {
	stateBase
	node    *Every
	begin   *MatchedEvents
	spawned []state
	running bool
}

func (s *everyState) start(begin *MatchedEvents) {
	s.begin = begin
	s.running = true
	s.spawn()
}

func (s *everyState) spawn() {
	capture := &spawnCapture{}
	child := newState(s.node.Child, capture, s.rt)
	if f, ok := child.(*filterState); ok {
		f.nonQuitting = true
	}
	child.start(s.begin)
	if capture.evaluatedTrue {
		s.rt.logger().Warn("every operator sub-expression is true on start, not restarting it",
			"statement", s.rt.Statement, "pattern", String(s.node))
		child.quit()
		return
	}
	if capture.evaluatedFalse {
		s.rt.logger().Warn("every operator sub-expression failed on start",
			"statement", s.rt.Statement, "pattern", String(s.node))
		child.quit()
		if len(s.spawned) == 0 {
			s.running = false
			s.parent.evaluateFalse(s, false)
		}
		return
	}
	child.setParent(s)
	s.spawned = append(s.spawned, child)
}

func (s *everyState) remove(child state) {
	if i := indexOf(s.spawned, child); i >= 0 {
		s.spawned = append(s.spawned[:i], s.spawned[i+1:]...)
	}
}

func (s *everyState) evaluateTrue(m *MatchedEvents, from state, quitted bool) {
	if !s.running {
		return
	}
	if quitted {
		s.remove(from)
	}
	// A filter leaf stays registered, so there is nothing to restart.
	if _, isFilter := from.(*filterState); !isFilter {
		s.spawn()
	}
	s.parent.evaluateTrue(m, s, false)
}

func (s *everyState) evaluateFalse(from state, restartable bool) {
	if !s.running {
		return
	}
	from.quit()
	s.remove(from)
	if !restartable {
		if len(s.spawned) == 0 {
			s.running = false
			s.parent.evaluateFalse(s, false)
		}
		return
	}
	s.spawn()
}

func (s *everyState) quit() {
	s.running = false
	for _, c := range s.spawned {
		c.quit()
	}
	s.spawned = nil
}

// andState collects the matches of each child and reports every combination
// once all children matched.
type andState struct {
	stateBase
	node    *And
	active  []state
	events  [][]*MatchedEvents
	running bool
}

func (s *andState) start(begin *MatchedEvents) {
	s.running = true
	s.active = make([]state, len(s.node.Children))
	s.events = make([][]*MatchedEvents, len(s.node.Children))
	for i, c := range s.node.Children {
		s.active[i] = newState(c, s, s.rt)
	}
	for i := range s.active {
		if !s.running {
			return
		}
		if c := s.active[i]; c != nil {
			c.start(begin)
		}
	}
}

func (s *andState) evaluateTrue(m *MatchedEvents, from state, quitted bool) {
	if !s.running {
		return
	}
	idx := indexOf(s.active, from)
	if idx < 0 {
		return
	}
	if quitted {
		s.active[idx] = nil
	}

	for i := range s.events {
		if i != idx && len(s.events[i]) == 0 {
			s.events[idx] = append(s.events[idx], m)
			return
		}
	}

	// Keep the match for combinations with future matches of children that
	// are still active.
	hasActive, othersQuit := false, true
	for i, c := range s.active {
		if c != nil {
			hasActive = true
			if i != idx {
				othersQuit = false
			}
		}
	}
	if hasActive && !othersQuit {
		s.events[idx] = append(s.events[idx], m)
	}

	results := s.combine(m, idx)

	// Remaining not children only wait to turn false.
	done := true
	for _, c := range s.active {
		if c == nil {
			continue
		}
		if _, isNot := c.(*notState); !isNot {
			done = false
		}
	}
	if done {
		s.quit()
	}
	for _, r := range results {
		s.parent.evaluateTrue(r, s, done)
	}
}

func (s *andState) combine(m *MatchedEvents, idx int) []*MatchedEvents {
	results := []*MatchedEvents{m}
	for i, list := range s.events {
		if i == idx {
			continue
		}
		next := make([]*MatchedEvents, 0, len(results)*len(list))
		for _, r := range results {
			for _, other := range list {
				c := r.Clone()
				c.merge(other)
				next = append(next, c)
			}
		}
		results = next
	}
	return results
}

func (s *andState) evaluateFalse(from state, restartable bool) {
	if !s.running {
		return
	}
	s.quit()
	s.parent.evaluateFalse(s, true)
}

func (s *andState) quit() {
	s.running = false
	for i, c := range s.active {
		if c != nil {
			c.quit()
			s.active[i] = nil
		}
	}
	s.events = nil
}

// orState reports the first child match and quits the other children: at
// most one branch wins per activation.
type orState struct {
	stateBase
	node     *Or
	children []state
	running  bool
}

func (s *orState) start(begin *MatchedEvents) {
	s.running = true
	s.children = make([]state, len(s.node.Children))
	for i, c := range s.node.Children {
		s.children[i] = newState(c, s, s.rt)
	}
	for i := range s.children {
		if !s.running {
			return
		}
		if c := s.children[i]; c != nil {
			c.start(begin)
		}
	}
}

func (s *orState) evaluateTrue(m *MatchedEvents, from state, quitted bool) {
	if !s.running {
		return
	}
	idx := indexOf(s.children, from)
	if idx < 0 {
		return
	}
	for i, c := range s.children {
		if i != idx && c != nil {
			c.quit()
			s.children[i] = nil
		}
	}
	if quitted {
		s.children[idx] = nil
		s.running = false
	}
	s.parent.evaluateTrue(m, s, quitted)
}

func (s *orState) evaluateFalse(from state, restartable bool) {
	if !s.running {
		return
	}
	idx := indexOf(s.children, from)
	if idx < 0 {
		return
	}
	from.quit()
	s.children[idx] = nil
	for _, c := range s.children {
		if c != nil {
			return
		}
	}
	s.running = false
	s.parent.evaluateFalse(s, true)
}

func (s *orState) quit() {
	s.running = false
	for i, c := range s.children {
		if c != nil {
			c.quit()
			s.children[i] = nil
		}
	}
}

type followedByChild struct {
	state state
	index int
}

// followedByState starts child i+1 each time child i matches, carrying the
// match forward.
type followedByState struct {
	stateBase
	node    *FollowedBy
	nodes   []followedByChild
	running bool
}

func (s *followedByState) start(begin *MatchedEvents) {
	s.running = true
	s.startChild(0, begin)
}

func (s *followedByState) startChild(i int, m *MatchedEvents) {
	c := newState(s.node.Children[i], s, s.rt)
	s.nodes = append(s.nodes, followedByChild{state: c, index: i})
	c.start(m)
}

func (s *followedByState) find(from state) int {
	for i, n := range s.nodes {
		if n.state == from {
			return i
		}
	}
	return -1
}

func (s *followedByState) evaluateTrue(m *MatchedEvents, from state, quitted bool) {
	if !s.running {
		return
	}
	pos := s.find(from)
	if pos < 0 {
		return
	}
	idx := s.nodes[pos].index
	if quitted {
		s.nodes = append(s.nodes[:pos], s.nodes[pos+1:]...)
	}
	if idx < len(s.node.Children)-1 {
		s.startChild(idx+1, m)
		return
	}
	done := len(s.nodes) == 0
	if done {
		s.running = false
	}
	s.parent.evaluateTrue(m, s, done)
}

func (s *followedByState) evaluateFalse(from state, restartable bool) {
	if !s.running {
		return
	}
	pos := s.find(from)
	if pos < 0 {
		return
	}
	from.quit()
	s.nodes = append(s.nodes[:pos], s.nodes[pos+1:]...)
	if len(s.nodes) == 0 {
		s.running = false
		s.parent.evaluateFalse(s, true)
	}
}

func (s *followedByState) quit() {
	s.running = false
	for _, n := range s.nodes {
		n.state.quit()
	}
	s.nodes = nil
}

// notState is true from the start and turns permanently false when its
// child matches.
type notState struct {
	stateBase
	node    *Not
	child   state
	running bool
}

func (s *notState) start(begin *MatchedEvents) {
	s.running = true
	s.child = newState(s.node.Child, s, s.rt)
	s.child.start(begin)
	if s.running {
		s.parent.evaluateTrue(begin, s, false)
	}
}

func (s *notState) evaluateTrue(_ *MatchedEvents, _ state, quitted bool) {
	if !s.running || !quitted {
		return
	}
	s.child = nil
	s.running = false
	s.parent.evaluateFalse(s, true)
}

func (s *notState) evaluateFalse(state, bool) {}

func (s *notState) quit() {
	s.running = false
	if s.child != nil {
		s.child.quit()
		s.child = nil
	}
}

// guardState passes the matches of its child through a guard plug-in.
type guardState struct {
	stateBase
	node    *Guard
	child   state
	plugin  GuardPlugin
	running bool
}

func (s *guardState) start(begin *MatchedEvents) {
	env := s.rt.newEnv()
	name := s.node.Factory.Name()
	created := s.rt.safely(name, "create", func() { s.plugin = s.node.Factory.NewGuard(env, s.guardQuit) })
	if s.plugin == nil {
		if created {
			s.rt.logger().Warn("pattern plug-in created no instance", "statement", s.rt.Statement, "plugin", name)
		}
		s.parent.evaluateFalse(s, true)
		return
	}
	s.running = true
	s.child = newState(s.node.Child, s, s.rt)
	if !s.rt.safely(name, "start", s.plugin.Start) {
		s.running = false
		s.release()
		s.parent.evaluateFalse(s, true)
		return
	}
	s.child.start(begin)
}

func (s *guardState) inspect(m *MatchedEvents) (pass, done bool) {
	if !s.rt.safely(s.node.Factory.Name(), "inspect", func() { pass, done = s.plugin.Inspect(m) }) {
		return false, false
	}
	return pass, done
}

func (s *guardState) evaluateTrue(m *MatchedEvents, from state, quitted bool) {
	if !s.running {
		return
	}
	if quitted {
		s.child = nil
	}
	pass, done := s.inspect(m)
	end := quitted || done
	if end {
		s.running = false
		s.release()
	}
	switch {
	case pass:
		s.parent.evaluateTrue(m, s, end)
	case end:
		s.parent.evaluateFalse(s, true)
	}
}

func (s *guardState) evaluateFalse(state, bool) {
	if !s.running {
		return
	}
	s.running = false
	s.child = nil
	s.release()
	s.parent.evaluateFalse(s, true)
}

// guardQuit is called by the plug-in to end the guarded expression.
func (s *guardState) guardQuit() {
	if !s.running {
		return
	}
	s.running = false
	s.release()
	s.parent.evaluateFalse(s, true)
}

func (s *guardState) release() {
	if s.child != nil {
		s.child.quit()
		s.child = nil
	}
	if s.plugin != nil {
		p := s.plugin
		s.plugin = nil
		s.rt.safely(s.node.Factory.Name(), "stop", p.Stop)
	}
}

func (s *guardState) quit() {
	s.running = false
	s.release()
}

// observerState reports the truth signals of an observer plug-in.
type observerState struct {
	stateBase
	node    *Observer
	plugin  ObserverPlugin
	running bool
}

func (s *observerState) start(begin *MatchedEvents) {
	env := s.rt.newEnv()
	name := s.node.Factory.Name()
	created := s.rt.safely(name, "create", func() { s.plugin = s.node.Factory.NewObserver(env, begin, s) })
	if s.plugin == nil {
		if created {
			s.rt.logger().Warn("pattern plug-in created no instance", "statement", s.rt.Statement, "plugin", name)
		}
		s.parent.evaluateFalse(s, true)
		return
	}
	s.running = true
	if !s.rt.safely(name, "start", s.plugin.Start) {
		s.quit()
		s.parent.evaluateFalse(s, true)
	}
}

func (s *observerState) ObserverTrue(m *MatchedEvents, quitted bool) {
	if !s.running {
		return
	}
	if quitted {
		s.running = false
		s.plugin = nil
	}
	s.parent.evaluateTrue(m, s, quitted)
}

func (s *observerState) ObserverFalse(restartable bool) {
	if !s.running {
		return
	}
	s.running = false
	s.plugin = nil
	s.parent.evaluateFalse(s, restartable)
}

func (s *observerState) quit() {
	s.running = false
	if s.plugin != nil {
		p := s.plugin
		s.plugin = nil
		s.rt.safely(s.node.Factory.Name(), "stop", p.Stop)
	}
}
