package filter

import (
	"sync"

	"github.com/roach88/esq/internal/event"
)

// node holds the handles satisfied at its depth and the indexes leading
// deeper.
type node struct {
	mu      sync.RWMutex
	handles []*Handle
	indexes []*index
}

func newNode() *node {
	return &node{}
}

// acquireIndex picks the index for the next constraint to register. An
// existing index covering any of the remaining parameters is reused before a
// new one is created for the first parameter. It returns the index and the
// position of the chosen parameter in remaining.
func (n *node) acquireIndex(remaining []Param) (*index, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, idx := range n.indexes {
		for i, p := range remaining {
			if idx.covers(p) {
				idx.refs++
				return idx, i
			}
		}
	}
	idx := newIndex(remaining[0].Property, remaining[0].Op)
	if remaining[0].Op == OpBoolean {
		idx.property = ""
	}
	idx.refs++
	n.indexes = append(n.indexes, idx)
	return idx, 0
}

func (n *node) releaseIndex(idx *index) {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx.refs--
	if idx.refs > 0 {
		return
	}
	for i, x := range n.indexes {
		if x == idx {
			n.indexes = append(n.indexes[:i], n.indexes[i+1:]...)
			return
		}
	}
}

func (n *node) addHandle(h *Handle) {
	n.mu.Lock()
	n.handles = append(n.handles, h)
	n.mu.Unlock()
}

func (n *node) removeHandle(h *Handle) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.handles {
		if x == h {
			n.handles = append(n.handles[:i], n.handles[i+1:]...)
			return true
		}
	}
	return false
}

func (n *node) match(ev event.Event, out []*Handle) []*Handle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out = append(out, n.handles...)
	for _, idx := range n.indexes {
		out = idx.match(ev, out)
	}
	return out
}

// count walks the sub-tree and tallies indexes and nodes.
func (n *node) count(s *Stats) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s.Nodes++
	for _, idx := range n.indexes {
		s.Indexes++
		idx.mu.RLock()
		for _, e := range idx.list {
			e.node.count(s)
		}
		idx.mu.RUnlock()
	}
}
