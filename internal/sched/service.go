package sched

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrAlreadyScheduled is returned when adding a handle that is still queued.
var ErrAlreadyScheduled = errors.New("schedule handle already scheduled")

// Handle is one scheduled callback. A handle can be queued at most once at a
// time and may be re-added after it fired or was removed.
type Handle struct {
	Owner any
	fire  func()

	at    int64
	slot  Slot
	seq   uint64
	index int
}

// NewHandle returns a handle running fire when invoked.
func NewHandle(owner any, fire func()) *Handle {
	return &Handle{Owner: owner, fire: fire, index: -1}
}

// Fire runs the callback.
func (h *Handle) Fire() {
	if h.fire != nil {
		h.fire()
	}
}

// At returns the time the handle is (or was last) due.
func (h *Handle) At() int64 {
	return h.at
}

// Slot returns the slot the handle was last scheduled with.
func (h *Handle) Slot() Slot {
	return h.slot
}

// Service is the engine-wide scheduler.
type Service struct {
	mu    sync.Mutex
	now   int64
	seq   uint64
	queue handleHeap
}

// NewService returns a scheduler whose clock starts at start.
func NewService(start int64) *Service {
	return &Service{now: start}
}

// Time returns the current logical time in milliseconds.
func (s *Service) Time() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetTime moves the clock. Moving it backwards is allowed; handles already
// queued keep their due time.
func (s *Service) SetTime(t int64) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Add queues h to fire delay milliseconds from now. Negative delays are
// treated as zero.
func (s *Service) Add(delay int64, h *Handle, slot Slot) error {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.index >= 0 {
		return ErrAlreadyScheduled
	}
	s.seq++
	h.at = s.now + delay
	h.slot = slot
	h.seq = s.seq
	heap.Push(&s.queue, h)
	return nil
}

// Remove dequeues h. Removing a handle that is not queued is a no-op.
func (s *Service) Remove(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.index >= 0 {
		heap.Remove(&s.queue, h.index)
	}
}

// IsScheduled reports whether h is queued.
func (s *Service) IsScheduled(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.index >= 0
}

// RemoveAll dequeues every handle of owner and returns how many were queued.
func (s *Service) RemoveAll(owner any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []*Handle
	for _, h := range s.queue {
		if h.Owner == owner {
			doomed = append(doomed, h)
		}
	}
	for _, h := range doomed {
		heap.Remove(&s.queue, h.index)
	}
	return len(doomed)
}

// Evaluate dequeues and returns every handle due at or before the current
// time, ordered by due time, then slot, then insertion. The caller fires
// them.
func (s *Service) Evaluate() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Handle
	for len(s.queue) > 0 && s.queue[0].at <= s.now {
		due = append(due, heap.Pop(&s.queue).(*Handle))
	}
	return due
}

// Next returns the earliest due time, if any handle is queued.
func (s *Service) Next() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].at, true
}

// Len returns the number of queued handles.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ComputeWaitMSec returns the time from current to the next batch boundary
// of a cadence anchored at reference. The next boundary is
// reference + (n+1)*interval with n = (current-reference)/interval, one
// interval earlier when the reference lies in the future.
func ComputeWaitMSec(current, reference, interval int64) int64 {
	n := (current - reference) / interval
	if reference > current {
		n--
	}
	next := reference + (n+1)*interval
	return next - current
}

type handleHeap []*Handle

func (q handleHeap) Len() int { return len(q) }

func (q handleHeap) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.at != b.at {
		return a.at < b.at
	}
	if a.slot != b.slot {
		return a.slot.Less(b.slot)
	}
	return a.seq < b.seq
}

func (q handleHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *handleHeap) Push(x any) {
	h := x.(*Handle)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *handleHeap) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}
