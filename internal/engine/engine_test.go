package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/esq/internal/agg"
	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/join"
	"github.com/roach88/esq/internal/pattern"
	"github.com/roach88/esq/internal/result"
	"github.com/roach88/esq/internal/testutil"
	"github.com/roach88/esq/internal/view"
)

var (
	tickType = event.NewType("Tick", map[string]event.Kind{
		"id":    event.KindInt,
		"sym":   event.KindString,
		"price": event.KindFloat,
	})
	orderType = event.NewType("Order", map[string]event.Kind{"id": event.KindInt, "qty": event.KindInt})
	fillType  = event.NewType("Fill", map[string]event.Kind{"id": event.KindInt, "px": event.KindFloat})
	alarmType = event.NewType("X", nil)
)

func tick(id int64, sym string, price float64) event.Event {
	return event.NewMapEvent(tickType, map[string]any{"id": id, "sym": sym, "price": price})
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)...)
	for _, typ := range []*event.Type{tickType, orderType, fillType, alarmType} {
		require.NoError(t, e.AddEventType(typ))
	}
	t.Cleanup(e.Close)
	return e
}

func create(t *testing.T, e *Engine, spec *StatementSpec) (*Statement, *testutil.Collector) {
	t.Helper()
	s, err := e.CreateStatement(spec)
	require.NoError(t, err)
	c := &testutil.Collector{}
	s.AddListener(c)
	return s, c
}

func ticks(views ...view.Spec) []StreamSpec {
	return []StreamSpec{{EventType: "Tick", Views: views}}
}

func TestLengthWindow_CountPlateau(t *testing.T) {
	e := newEngine(t)
	win, rows := create(t, e, &StatementSpec{Name: "win", Streams: ticks(view.Length{N: 10}), Wildcard: true})
	cnt, counts := create(t, e, &StatementSpec{
		Name:    "cnt",
		Streams: ticks(view.Length{N: 10}),
		Select:  []result.SelectItem{{Name: "n", Expr: expr.AggRef{Slot: 0}}},
		Aggs:    []agg.Spec{{Func: "count"}},
	})

	for i := int64(1); i <= 15; i++ {
		require.NoError(t, e.SendEvent(tick(i, "a", 1)))
	}

	_, news, olds := rows.Counts()
	assert.Equal(t, 15, news)
	assert.Equal(t, 5, olds)
	assert.Equal(t, int64(1), rows.Olds()[0].Get("id"))
	assert.Equal(t, int64(5), rows.Olds()[4].Get("id"))
	assert.Equal(t, int64(10), counts.LastNew().Get("n"))
	assert.Equal(t, result.RowForAll, cnt.Kind())

	snap, err := e.Iterate(win)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Len())
	assert.Equal(t, int64(6), snap.Events()[0].Get("id"))
	snap.Close()

	snap, err = e.Iterate(cnt)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, int64(10), snap.Events()[0].Get("n"))
	snap.Close()
}

func TestPattern_IntervalAndNot(t *testing.T) {
	e := newEngine(t)
	p := &pattern.Every{Child: &pattern.And{Children: []pattern.Node{
		&pattern.Observer{Factory: pattern.TimerInterval(6000)},
		&pattern.Not{Child: &pattern.Filter{Spec: filter.MustSpec(alarmType)}},
	}}}
	_, alerts := create(t, e, &StatementSpec{Name: "quiet", Streams: []StreamSpec{{Pattern: p}}, Wildcard: true})

	require.NoError(t, e.AdvanceTime(2000))
	require.NoError(t, e.SendEvent(event.NewMapEvent(alarmType, nil)))
	require.NoError(t, e.AdvanceTime(7999))
	updates, _, _ := alerts.Counts()
	assert.Zero(t, updates)

	require.NoError(t, e.AdvanceTime(8000))
	updates, _, _ = alerts.Counts()
	assert.Equal(t, 1, updates)

	require.NoError(t, e.AdvanceTime(14000))
	updates, _, _ = alerts.Counts()
	assert.Equal(t, 2, updates)
}

func TestPattern_FollowedBySelectsTags(t *testing.T) {
	e := newEngine(t)
	p := &pattern.Every{Child: &pattern.FollowedBy{Children: []pattern.Node{
		&pattern.Filter{Tag: "o", Spec: filter.MustSpec(orderType)},
		&pattern.Filter{Tag: "f", Spec: filter.MustSpec(fillType, filter.Param{
			Property: "id", Op: filter.OpEqual, Ref: &filter.TagRef{Tag: "o", Property: "id"},
		})},
	}}}
	_, fills := create(t, e, &StatementSpec{
		Name:    "filled",
		Streams: []StreamSpec{{Pattern: p}},
		Select: []result.SelectItem{
			{Name: "qty", Expr: expr.P("o.qty")},
			{Name: "px", Expr: expr.P("f.px")},
		},
	})

	require.NoError(t, e.SendEvent(event.NewMapEvent(orderType, map[string]any{"id": int64(1), "qty": int64(5)})))
	require.NoError(t, e.SendEvent(event.NewMapEvent(fillType, map[string]any{"id": int64(2), "px": 9.5})))
	require.NoError(t, e.SendEvent(event.NewMapEvent(fillType, map[string]any{"id": int64(1), "px": 10.5})))

	_, news, _ := fills.Counts()
	require.Equal(t, 1, news)
	got := fills.LastNew()
	assert.Equal(t, int64(5), got.Get("qty"))
	assert.Equal(t, 10.5, got.Get("px"))
}

func TestCreateStatement_Rollback(t *testing.T) {
	ref := int64(0)
	tests := []struct {
		name string
		spec *StatementSpec
		code ValidationErrorCode
	}{
		{
			name: "unknown second stream",
			spec: &StatementSpec{Name: "q", Wildcard: true, Streams: []StreamSpec{
				{EventType: "Tick", Views: []view.Spec{view.TimeBatch{Msec: 1000, Reference: &ref, ForceUpdate: true}}},
				{EventType: "Nope"},
			}},
			code: ErrCodeUnknownEventType,
		},
		{
			name: "nothing selected",
			spec: &StatementSpec{Name: "q", Streams: ticks(view.TimeBatch{Msec: 1000, Reference: &ref, ForceUpdate: true})},
			code: ErrCodeInvalidExpression,
		},
		{
			name: "where on missing property",
			spec: &StatementSpec{Name: "q", Streams: ticks(), Wildcard: true, Where: expr.Cmp(expr.OpGt, expr.P("volume"), expr.C(int64(1)))},
			code: ErrCodeInvalidExpression,
		},
		{
			name: "where is not boolean",
			spec: &StatementSpec{Name: "q", Streams: []StreamSpec{{EventType: "Order"}}, Wildcard: true, Where: expr.P("qty")},
			code: ErrCodeInvalidExpression,
		},
		{
			name: "bad filter",
			spec: &StatementSpec{Name: "q", Wildcard: true, Streams: []StreamSpec{{
				EventType: "Tick", Params: []filter.Param{{Property: "missing", Op: filter.OpEqual, Value: int64(1)}},
			}}},
			code: ErrCodeInvalidStream,
		},
		{
			name: "no source",
			spec: &StatementSpec{Name: "q", Wildcard: true, Streams: []StreamSpec{{}}},
			code: ErrCodeInvalidStream,
		},
		{
			name: "no streams",
			spec: &StatementSpec{Name: "q", Wildcard: true},
			code: ErrCodeInvalidStatement,
		},
		{
			name: "bad output rate",
			spec: &StatementSpec{Name: "q", Wildcard: true, Streams: ticks(), Output: result.OutputSpec{Rate: result.EveryN}},
			code: ErrCodeInvalidExpression,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			_, err := e.CreateStatement(tt.spec)
			require.Error(t, err)
			assert.Equal(t, tt.code, ValidationCode(err), err.Error())

			assert.Zero(t, e.filters.Len(), "no filter stays registered")
			assert.Zero(t, e.sched.Len(), "no schedule stays registered")
			assert.Empty(t, e.Statements())

			_, err = e.CreateStatement(&StatementSpec{Name: "q", Streams: ticks(), Wildcard: true})
			assert.NoError(t, err, "the name is free again")
		})
	}
}

func TestCreateStatement_ComponentErrorsUnwrap(t *testing.T) {
	e := newEngine(t)
	_, err := e.CreateStatement(&StatementSpec{Streams: ticks(), Select: []result.SelectItem{{Name: "x", Expr: expr.P("nope")}}})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.True(t, expr.IsValidationError(err))

	_, err = e.CreateStatement(&StatementSpec{Name: "dup", Streams: ticks(), Wildcard: true})
	require.NoError(t, err)
	_, err = e.CreateStatement(&StatementSpec{Name: "dup", Streams: ticks(), Wildcard: true})
	assert.Equal(t, ErrCodeDuplicateStatement, ValidationCode(err))
}

func TestDestroyStatement(t *testing.T) {
	e := newEngine(t)
	s, c := create(t, e, &StatementSpec{Name: "q", Streams: ticks(view.Time{Msec: 1000}), Wildcard: true})

	require.NoError(t, e.SendEvent(tick(1, "a", 1)))
	require.Equal(t, 1, e.sched.Len())
	require.NoError(t, e.DestroyStatement(s))

	assert.Zero(t, e.filters.Len())
	assert.Zero(t, e.sched.Len())
	require.NoError(t, e.SendEvent(tick(2, "a", 1)))
	require.NoError(t, e.AdvanceTime(5000))
	updates, _, _ := c.Counts()
	assert.Equal(t, 1, updates)

	assert.ErrorIs(t, e.DestroyStatement(s), ErrUnknownStatement)
	_, err := e.Iterate(s)
	assert.ErrorIs(t, err, ErrUnknownStatement)
	_, ok := e.Statement("q")
	assert.False(t, ok)
}

func TestIterate_BlocksProcessingUntilClosed(t *testing.T) {
	e := newEngine(t)
	s, c := create(t, e, &StatementSpec{Name: "q", Streams: ticks(view.Length{N: 5}), Wildcard: true})
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, e.SendEvent(tick(i, "a", 1)))
	}

	snap, err := e.Iterate(s)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())

	done := make(chan struct{})
	go func() {
		_ = e.SendEvent(tick(4, "a", 1))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("event processed while a snapshot was open")
	case <-time.After(50 * time.Millisecond):
	}

	snap.Close()
	snap.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not processed after the snapshot closed")
	}
	_, news, _ := c.Counts()
	assert.Equal(t, 4, news)
}

func TestIterate_ConcurrentGroupedSnapshots(t *testing.T) {
	e := newEngine(t)
	perGroup, _ := create(t, e, &StatementSpec{
		Name:    "perGroup",
		Streams: ticks(view.Length{N: 10}),
		Select: []result.SelectItem{
			{Name: "sym", Expr: expr.P("sym")},
			{Name: "n", Expr: expr.AggRef{Slot: 0}},
		},
		GroupBy: []expr.Node{expr.P("sym")},
		Aggs:    []agg.Spec{{Func: "count"}},
	})
	perRow, _ := create(t, e, &StatementSpec{
		Name:    "perRow",
		Streams: ticks(view.Length{N: 10}),
		Select: []result.SelectItem{
			{Name: "id", Expr: expr.P("id")},
			{Name: "sym", Expr: expr.P("sym")},
			{Name: "n", Expr: expr.AggRef{Slot: 0}},
		},
		GroupBy: []expr.Node{expr.P("sym")},
		Aggs:    []agg.Spec{{Func: "count"}},
	})
	require.Equal(t, result.RowPerGroup, perGroup.Kind())
	require.Equal(t, result.AggregateGrouped, perRow.Kind())

	for i, sym := range []string{"a", "b", "a", "c", "b", "a"} {
		require.NoError(t, e.SendEvent(tick(int64(i), sym, 1)))
	}
	want := map[string]int64{"a": 3, "b": 2, "c": 1}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, s := range []*Statement{perGroup, perRow} {
					snap, err := e.Iterate(s)
					if !assert.NoError(t, err) {
						return
					}
					for _, ev := range snap.Events() {
						assert.Equal(t, want[ev.Get("sym").(string)], ev.Get("n"), s.Name())
					}
					snap.Close()
				}
			}
		}()
	}
	wg.Wait()
}

func TestListenerPanicIsContained(t *testing.T) {
	var logs bytes.Buffer
	e := newEngine(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	s, second := create(t, e, &StatementSpec{Name: "q", Streams: ticks(), Wildcard: true})
	s.RemoveListeners()
	s.AddListener(ListenerFunc(func(newEvents, oldEvents []event.Event) {
		panic("boom")
	}))
	s.AddListener(second)

	require.NoError(t, e.SendEvent(tick(1, "a", 1)))
	require.NoError(t, e.SendEvent(tick(2, "a", 1)))

	_, news, _ := second.Counts()
	assert.Equal(t, 2, news)
	assert.Contains(t, logs.String(), "listener failed")
	assert.Contains(t, logs.String(), "statement=q")
}

func TestUnmatchedListener(t *testing.T) {
	var unmatched []event.Event
	e := newEngine(t, WithUnmatchedListener(func(ev event.Event) {
		unmatched = append(unmatched, ev)
	}))
	_, err := e.CreateStatement(&StatementSpec{Name: "q", Wildcard: true, Streams: []StreamSpec{{
		EventType: "Tick", Params: []filter.Param{{Property: "sym", Op: filter.OpEqual, Value: "a"}},
	}}})
	require.NoError(t, err)

	require.NoError(t, e.SendEvent(tick(1, "a", 1)))
	require.NoError(t, e.SendEvent(tick(2, "b", 1)))

	require.Len(t, unmatched, 1)
	assert.Equal(t, int64(2), unmatched[0].Get("id"))
}

func TestSendEvent_UnknownType(t *testing.T) {
	e := newEngine(t)
	err := e.SendEvent(event.NewMapEvent(event.NewType("Other", nil), nil))
	assert.ErrorIs(t, err, ErrUnknownEventType)

	assert.ErrorIs(t, e.AddEventType(event.NewType("Tick", nil)), ErrDuplicateEventType)
	assert.NoError(t, e.AddEventType(tickType))
	assert.Equal(t, []string{"Fill", "Order", "Tick", "X"}, e.EventTypes())
}

func TestInsertInto_RoutesOutput(t *testing.T) {
	e := newEngine(t)
	_, err := e.CreateStatement(&StatementSpec{
		Name:    "doubler",
		Streams: ticks(),
		Select: []result.SelectItem{
			{Name: "id", Expr: expr.P("id")},
			{Name: "dbl", Expr: expr.Arith{Op: expr.OpMul, Left: expr.P("price"), Right: expr.C(int64(2))}},
		},
		InsertInto: "Doubled",
		Stream:     IStream,
	})
	require.NoError(t, err)
	_, big := create(t, e, &StatementSpec{
		Name:     "big",
		Streams:  []StreamSpec{{EventType: "Doubled"}},
		Wildcard: true,
		Where:    expr.Cmp(expr.OpGt, expr.P("dbl"), expr.C(10.0)),
	})

	require.NoError(t, e.SendEvent(tick(1, "a", 3)))
	require.NoError(t, e.SendEvent(tick(2, "a", 7)))

	_, news, _ := big.Counts()
	require.Equal(t, 1, news)
	got := big.LastNew()
	assert.Equal(t, "Doubled", got.Type().Name)
	assert.Equal(t, int64(2), got.Get("id"))
	assert.Equal(t, 14.0, got.Get("dbl"))
}

func TestInsertInto_WildcardRenamesType(t *testing.T) {
	e := newEngine(t)
	_, err := e.CreateStatement(&StatementSpec{Name: "copy", Streams: ticks(), Wildcard: true, InsertInto: "Copy"})
	require.NoError(t, err)
	_, copies := create(t, e, &StatementSpec{Name: "copies", Streams: []StreamSpec{{EventType: "Copy"}}, Wildcard: true})

	require.NoError(t, e.SendEvent(tick(7, "z", 1)))

	got := copies.LastNew()
	require.NotNil(t, got)
	assert.Equal(t, "Copy", got.Type().Name)
	assert.Equal(t, "z", got.Get("sym"))
	k, ok := got.Type().PropertyType("price")
	require.True(t, ok)
	assert.Equal(t, event.KindFloat, k)
}

func TestRouteLimit(t *testing.T) {
	e := newEngine(t, WithMaxRouted(5))
	_, echo := create(t, e, &StatementSpec{Name: "echo", Streams: ticks(), Wildcard: true, InsertInto: "Tick"})

	err := e.SendEvent(tick(1, "a", 1))
	require.Error(t, err)
	var re *RouteLimitError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 6, re.Routed)
	assert.Equal(t, 1, re.Dropped)

	updates, _, _ := echo.Counts()
	assert.Equal(t, 6, updates)
}

func TestJoinStatement(t *testing.T) {
	e := newEngine(t)
	s, rows := create(t, e, &StatementSpec{
		Name: "matched",
		Streams: []StreamSpec{
			{Name: "o", EventType: "Order", Views: []view.Spec{view.Length{N: 10}}},
			{Name: "f", EventType: "Fill", Views: []view.Spec{view.Length{N: 10}}},
		},
		Where:    expr.Cmp(expr.OpEq, expr.Prop{Stream: 0, Path: "id"}, expr.Prop{Stream: 1, Path: "id"}),
		Wildcard: true,
	})
	plan := s.QueryPlan()
	require.NotNil(t, plan)
	assert.Equal(t, join.HashLookup, plan.Lookups[0][0].Strategy)

	o1 := event.NewMapEvent(orderType, map[string]any{"id": int64(1), "qty": int64(5)})
	f2 := event.NewMapEvent(fillType, map[string]any{"id": int64(2), "px": 1.0})
	f1 := event.NewMapEvent(fillType, map[string]any{"id": int64(1), "px": 2.0})
	for _, ev := range []event.Event{o1, f2, f1} {
		require.NoError(t, e.SendEvent(ev))
	}

	_, news, _ := rows.Counts()
	require.Equal(t, 1, news)
	row := rows.LastNew()
	assert.Same(t, o1, row.Get("o"))
	assert.Same(t, f1, row.Get("f"))

	snap, err := e.Iterate(s)
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, 1, snap.Len())
}

func TestStreamSelectors(t *testing.T) {
	tests := []struct {
		sel      StreamSelector
		news     int
		olds     int
		firstNew int64
	}{
		{IRStream, 3, 1, 1},
		{IStream, 3, 0, 1},
		{RStream, 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.sel.String(), func(t *testing.T) {
			e := newEngine(t)
			_, c := create(t, e, &StatementSpec{Streams: ticks(view.Length{N: 2}), Wildcard: true, Stream: tt.sel})
			for i := int64(1); i <= 3; i++ {
				require.NoError(t, e.SendEvent(tick(i, "a", 1)))
			}
			_, news, olds := c.Counts()
			assert.Equal(t, tt.news, news)
			assert.Equal(t, tt.olds, olds)
			assert.Equal(t, tt.firstNew, c.News()[0].Get("id"))
		})
	}
}

type memLog struct {
	mu      sync.Mutex
	batches []Batch
}

func (l *memLog) Append(_ context.Context, b Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, b)
	return nil
}

func TestOutputLog_SequencesBatches(t *testing.T) {
	log := &memLog{}
	e := newEngine(t, WithOutputLog(log), WithStartTime(500), WithIDGenerator(NewFixedGenerator("id-1", "id-2")))
	a, _ := create(t, e, &StatementSpec{Streams: ticks(), Wildcard: true})
	_, _ = create(t, e, &StatementSpec{Name: "b", Streams: ticks(), Wildcard: true})
	assert.Equal(t, "id-1", a.Name(), "unnamed statements are named by id")

	require.NoError(t, e.SendEvent(tick(1, "a", 1)))
	require.NoError(t, e.SendEvent(tick(2, "a", 1)))

	require.Len(t, log.batches, 4)
	for i, b := range log.batches {
		assert.Equal(t, int64(i+1), b.Seq)
		assert.Equal(t, int64(500), b.Time)
	}
	assert.ElementsMatch(t, []string{"id-1", "b"}, []string{log.batches[0].Statement, log.batches[1].Statement})
}

func TestAdvanceTime_BackwardsIsIgnored(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AdvanceTime(1000))
	require.NoError(t, e.AdvanceTime(500))
	assert.Equal(t, int64(1000), e.CurrentTime())
}

func TestAdvanceTime_FiresInDueOrder(t *testing.T) {
	e := newEngine(t)
	_, c := create(t, e, &StatementSpec{Name: "q", Streams: ticks(view.Time{Msec: 100}), Wildcard: true, Stream: RStream})

	require.NoError(t, e.SendEvent(tick(1, "a", 1)))
	require.NoError(t, e.AdvanceTime(50))
	require.NoError(t, e.SendEvent(tick(2, "a", 1)))
	require.NoError(t, e.AdvanceTime(1000))

	require.Len(t, c.News(), 2)
	assert.Equal(t, int64(1), c.News()[0].Get("id"))
	assert.Equal(t, int64(2), c.News()[1].Get("id"))
	assert.Equal(t, 2, c.Updates(), "each expiry is its own callback")
}

func TestRunTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := New(WithLogger(testutil.DiscardLogger()))
	require.NoError(t, e.AddEventType(tickType))
	win, err := e.CreateStatement(&StatementSpec{Name: "win", Streams: ticks(view.Time{Msec: 50}), Wildcard: true})
	require.NoError(t, err)
	_, routed := create(t, e, &StatementSpec{Name: "all", Streams: ticks(), Wildcard: true})
	require.NoError(t, e.SendEvent(tick(1, "a", 1)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.RunTimer(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		snap, err := e.Iterate(win)
		if err != nil {
			return false
		}
		defer snap.Close()
		return snap.Len() == 0
	}, time.Second, 5*time.Millisecond, "the wall clock expires the window")

	e.Route(tick(2, "a", 1))
	require.Eventually(t, func() bool {
		_, news, _ := routed.Counts()
		return news == 2
	}, time.Second, 5*time.Millisecond, "routed events are processed by the timer loop")

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	go func() { errc <- e.RunTimer(context.Background(), 5*time.Millisecond) }()
	e.Close()
	assert.NoError(t, <-errc)
}
