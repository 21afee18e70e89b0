package filter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/esq/internal/event"
)

// Service is the engine-wide filter index, shared by all statements.
type Service struct {
	mu       sync.RWMutex
	roots    map[string]*node
	rootRefs map[string]int // registrations per type
	regs     map[*Handle]*registration
}

type registration struct {
	spec  *Spec
	leaf  *node
	steps []step
}

// step records one level of a registration's path for teardown.
type step struct {
	parent *node
	idx    *index
	key    any
}

// Stats summarises the index tree.
type Stats struct {
	Handles int
	Types   int
	Indexes int
	Nodes   int
}

// NewService returns an empty filter index.
func NewService() *Service {
	return &Service{
		roots:    make(map[string]*node),
		rootRefs: make(map[string]int),
		regs:     make(map[*Handle]*registration),
	}
}

// Add registers h under spec. The handle becomes visible to Match only once
// its full path exists.
func (s *Service) Add(spec *Spec, h *Handle) error {
	if spec.HasRefs() {
		return fmt.Errorf("filter %s: unresolved tag references", spec)
	}
	reg := &registration{spec: spec}

	s.mu.Lock()
	if _, dup := s.regs[h]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, spec)
	}
	s.regs[h] = reg
	root, ok := s.roots[spec.EventType.Name]
	if !ok {
		root = newNode()
		s.roots[spec.EventType.Name] = root
	}
	s.rootRefs[spec.EventType.Name]++
	s.mu.Unlock()

	n := root
	var steps []step
	remaining := append([]Param(nil), spec.Params...)
	for len(remaining) > 0 {
		idx, i := n.acquireIndex(remaining)
		p := remaining[i]
		remaining = append(remaining[:i], remaining[i+1:]...)
		child, key := idx.acquire(p)
		steps = append(steps, step{parent: n, idx: idx, key: key})
		n = child
	}
	s.mu.Lock()
	reg.leaf, reg.steps = n, steps
	s.mu.Unlock()
	n.addHandle(h)

	slog.Debug("filter added", "event_type", spec.EventType.Name, "filter", spec.String(), "depth", len(steps))
	return nil
}

// Remove unregisters h, pruning indexes and nodes left empty.
func (s *Service) Remove(spec *Spec, h *Handle) error {
	s.mu.Lock()
	reg, ok := s.regs[h]
	if !ok || reg.spec != spec || reg.leaf == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandleNotFound, spec)
	}
	delete(s.regs, h)
	s.mu.Unlock()

	reg.leaf.removeHandle(h)
	for i := len(reg.steps) - 1; i >= 0; i-- {
		st := reg.steps[i]
		st.idx.release(st.key)
		st.parent.releaseIndex(st.idx)
	}

	name := spec.EventType.Name
	s.mu.Lock()
	s.rootRefs[name]--
	if s.rootRefs[name] <= 0 {
		delete(s.rootRefs, name)
		delete(s.roots, name)
	}
	s.mu.Unlock()
	return nil
}

// Match appends to out every handle whose filter ev satisfies.
func (s *Service) Match(ev event.Event, out []*Handle) []*Handle {
	t := ev.Type()
	if t == nil {
		return out
	}
	s.mu.RLock()
	root := s.roots[t.Name]
	s.mu.RUnlock()
	if root == nil {
		return out
	}
	return root.match(ev, out)
}

// Len returns the number of registered handles.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regs)
}

// Stats walks the index and reports its size.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	stats := Stats{Handles: len(s.regs), Types: len(s.roots)}
	roots := make([]*node, 0, len(s.roots))
	for _, r := range s.roots {
		roots = append(roots, r)
	}
	s.mu.RUnlock()
	for _, r := range roots {
		r.count(&stats)
	}
	return stats
}
