package sched

import (
	"fmt"
	"sync"
)

// Slot orders callbacks due at the same time. Primary identifies the
// allocating bucket (one per statement), Secondary the callback within it.
type Slot struct {
	Primary   int64
	Secondary int64
}

// Less reports whether a fires before b.
func (a Slot) Less(b Slot) bool {
	if a.Primary != b.Primary {
		return a.Primary < b.Primary
	}
	return a.Secondary < b.Secondary
}

func (a Slot) String() string {
	return fmt.Sprintf("%d.%d", a.Primary, a.Secondary)
}

// Allocator hands out buckets. There is one allocator per engine; it
// replaces any process-wide counter.
type Allocator struct {
	mu   sync.Mutex
	next int64
}

// NewBucket returns a bucket with the next primary number.
func (a *Allocator) NewBucket() *Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return &Bucket{primary: a.next}
}

// Bucket allocates slots for one statement. Slots allocated later fire later
// when due at the same time.
type Bucket struct {
	mu      sync.Mutex
	primary int64
	next    int64
}

// Allocate returns the next slot of the bucket.
func (b *Bucket) Allocate() Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return Slot{Primary: b.primary, Secondary: b.next}
}
