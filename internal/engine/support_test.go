package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/esq/internal/event"
)

func TestSequencer_ConcurrentNextIsUnique(t *testing.T) {
	c := NewSequencer(100)
	const goroutines, calls = 20, 50

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				seq := c.Next()
				mu.Lock()
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*calls)
	assert.Equal(t, int64(100+goroutines*calls), c.Last())
	assert.False(t, seen[100], "numbering continues after the start value")
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids sort in creation order")
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("s1", "s2")
	assert.Equal(t, "s1", gen.Generate())
	assert.Equal(t, "s2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestRouteQueue(t *testing.T) {
	typ := event.NewType("R", nil)
	q := newRouteQueue()
	e1, e2 := event.NewMapEvent(typ, nil), event.NewMapEvent(typ, nil)

	require.True(t, q.Enqueue(e1))
	require.True(t, q.Enqueue(e2))
	select {
	case <-q.Wait():
	default:
		t.Fatal("enqueue should signal")
	}

	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Same(t, e1, got)
	assert.Equal(t, 1, q.Drain())
	_, ok = q.TryDequeue()
	assert.False(t, ok)

	q.Close()
	q.Close()
	assert.False(t, q.Enqueue(e1))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestRouteQuota(t *testing.T) {
	q := newRouteQuota(2)
	require.NoError(t, q.Check("R"))
	require.NoError(t, q.Check("R"))

	err := q.Check("R")
	require.Error(t, err)
	assert.True(t, IsRouteLimitError(err))
	var re *RouteLimitError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Routed)
	assert.Equal(t, 2, re.Limit)

	unbounded := newRouteQuota(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, unbounded.Check("R"))
	}
}

func TestValidationError(t *testing.T) {
	inner := &ValidationError{Code: ErrCodeUnknownEventType, Statement: "q", Message: "stream 0: unknown event type Nope"}
	assert.Equal(t, "UNKNOWN_EVENT_TYPE: stream 0: unknown event type Nope (statement=q)", inner.Error())
	assert.True(t, IsValidationError(inner))
	assert.Equal(t, ErrCodeUnknownEventType, ValidationCode(inner))
	assert.Equal(t, ValidationErrorCode(""), ValidationCode(assert.AnError))
}
