package pattern

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/sched"
)

var (
	typeA = event.NewType("A", map[string]event.Kind{"id": event.KindInt, "v": event.KindInt})
	typeB = event.NewType("B", map[string]event.Kind{"id": event.KindInt})
	typeX = event.NewType("X", nil)
)

func evA(id, v int64) event.Event {
	return event.NewMapEvent(typeA, map[string]any{"id": id, "v": v})
}

func evB(id int64) event.Event {
	return event.NewMapEvent(typeB, map[string]any{"id": id})
}

func evX() event.Event {
	return event.NewMapEvent(typeX, nil)
}

func leaf(tag string, t *event.Type, params ...filter.Param) *Filter {
	return &Filter{Tag: tag, Spec: filter.MustSpec(t, params...)}
}

// driver plays the engine's role: it dispatches matched filter handles from
// a snapshot and fires due schedules.
type driver struct {
	t       *testing.T
	filters *filter.Service
	sched   *sched.Service
	root    *Root
	matches []*MatchedEvents
	log     bytes.Buffer
}

func newDriver(t *testing.T, n Node) *driver {
	t.Helper()
	d := &driver{t: t, filters: filter.NewService(), sched: sched.NewService(0)}
	meta, err := Compile(n)
	require.NoError(t, err)
	var alloc sched.Allocator
	rt := &Runtime{
		Statement: t.Name(),
		Owner:     "stmt",
		Filters:   d.filters,
		Scheduler: d.sched,
		Bucket:    alloc.NewBucket(),
		Logger:    slog.New(slog.NewTextHandler(&d.log, nil)),
	}
	d.root = NewRoot(n, meta, rt, func(m *MatchedEvents) {
		d.matches = append(d.matches, m)
	})
	d.root.Start()
	return d
}

// send returns the number of matches the event produced.
func (d *driver) send(ev event.Event) int {
	before := len(d.matches)
	for _, h := range d.filters.Match(ev, nil) {
		h.Invoke(ev)
	}
	return len(d.matches) - before
}

func (d *driver) advance(to int64) int {
	before := len(d.matches)
	d.sched.SetTime(to)
	for {
		due := d.sched.Evaluate()
		if len(due) == 0 {
			break
		}
		for _, h := range due {
			h.Fire()
		}
	}
	return len(d.matches) - before
}

func TestEvery_OneMatchPerOccurrence(t *testing.T) {
	d := newDriver(t, &Every{Child: leaf("a", typeA)})

	for i := int64(1); i <= 5; i++ {
		assert.Equal(t, 1, d.send(evA(i, 0)))
	}
	require.Len(t, d.matches, 5)
	for i, m := range d.matches {
		assert.Equal(t, int64(i+1), m.Get("a").Get("id"))
	}
	assert.Equal(t, 1, d.filters.Len())
}

func TestEvery_NestedCardinality(t *testing.T) {
	d := newDriver(t, &Every{Child: &Every{Child: &Every{Child: leaf("", typeX)}}})

	assert.Equal(t, 1, d.send(evX()))
	assert.Equal(t, 3, d.send(evX()))
	assert.Equal(t, 9, d.send(evX()))
	assert.Equal(t, 27, d.filters.Len())
}

func TestFollowedBy_SingleShot(t *testing.T) {
	d := newDriver(t, &FollowedBy{Children: []Node{leaf("a", typeA), leaf("b", typeB)}})

	assert.Equal(t, 0, d.send(evB(0)))
	assert.Equal(t, 0, d.send(evA(1, 0)))
	assert.Equal(t, 0, d.send(evA(2, 0)))
	assert.Equal(t, 1, d.send(evB(3)))
	assert.Equal(t, 0, d.send(evB(4)))

	m := d.matches[0]
	assert.Equal(t, int64(1), m.Get("a").Get("id"))
	assert.Equal(t, int64(3), m.Get("b").Get("id"))
	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.filters.Len())
}

func TestFollowedBy_TagReferences(t *testing.T) {
	b := leaf("b", typeB, filter.Param{Property: "id", Op: filter.OpEqual, Ref: &filter.TagRef{Tag: "a", Property: "id"}})
	d := newDriver(t, &FollowedBy{Children: []Node{&Every{Child: leaf("a", typeA)}, b}})

	d.send(evA(1, 0))
	d.send(evA(2, 0))
	assert.Equal(t, 1, d.send(evB(2)))
	assert.Equal(t, 1, d.send(evB(1)))
	assert.Equal(t, 0, d.send(evB(1)))

	assert.Equal(t, int64(2), d.matches[0].Get("a").Get("id"))
	assert.Equal(t, int64(1), d.matches[1].Get("a").Get("id"))
}

func TestAnd_WaitsForAllChildren(t *testing.T) {
	d := newDriver(t, &Every{Child: &And{Children: []Node{leaf("a", typeA), leaf("b", typeB)}}})

	assert.Equal(t, 0, d.send(evA(1, 0)))
	assert.Equal(t, 0, d.send(evA(2, 0)), "a already bound in this activation")
	assert.Equal(t, 1, d.send(evB(10)))
	assert.Equal(t, 0, d.send(evB(11)))
	assert.Equal(t, 1, d.send(evA(3, 0)))

	assert.Equal(t, int64(1), d.matches[0].Get("a").Get("id"))
	assert.Equal(t, int64(10), d.matches[0].Get("b").Get("id"))
	assert.Equal(t, int64(3), d.matches[1].Get("a").Get("id"))
	assert.Equal(t, int64(11), d.matches[1].Get("b").Get("id"))
}

func TestOr_FirstSuccessQuitsSiblings(t *testing.T) {
	d := newDriver(t, &Or{Children: []Node{leaf("a", typeA), leaf("b", typeB)}})

	assert.Equal(t, 1, d.send(evA(1, 0)))
	assert.Equal(t, 0, d.send(evB(1)))
	assert.Nil(t, d.matches[0].Get("b"))
	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.filters.Len())
}

func TestNot_EndsFollowedBy(t *testing.T) {
	// a -> (b and not x): an X between A and B cancels the match
	d := newDriver(t, &FollowedBy{Children: []Node{
		leaf("a", typeA),
		&And{Children: []Node{leaf("b", typeB), &Not{Child: leaf("", typeX)}}},
	}})

	d.send(evA(1, 0))
	d.send(evX())
	assert.Equal(t, 0, d.send(evB(1)))
	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.filters.Len())

	d = newDriver(t, &FollowedBy{Children: []Node{
		leaf("a", typeA),
		&And{Children: []Node{leaf("b", typeB), &Not{Child: leaf("", typeX)}}},
	}})
	d.send(evA(1, 0))
	assert.Equal(t, 1, d.send(evB(1)))
	assert.Equal(t, 0, d.filters.Len(), "the not filter is released once the and completes")
}

func TestTimerIntervalAndNot_Resets(t *testing.T) {
	d := newDriver(t, &Every{Child: &And{Children: []Node{
		&Observer{Factory: TimerInterval(6000)},
		&Not{Child: leaf("", typeX)},
	}}})

	assert.Equal(t, 0, d.advance(2000))
	assert.Equal(t, 0, d.send(evX()))
	assert.Equal(t, 0, d.advance(6000))
	assert.Equal(t, 0, d.advance(7000))
	assert.Equal(t, 0, d.advance(7999))
	assert.Equal(t, 1, d.advance(8000))
	assert.Equal(t, 1, d.advance(14000))
}

func TestGuard_TimerWithin(t *testing.T) {
	pattern := func() Node {
		return &Guard{
			Child:   &FollowedBy{Children: []Node{leaf("a", typeA), leaf("b", typeB)}},
			Factory: TimerWithin(1000),
		}
	}

	d := newDriver(t, pattern())
	d.send(evA(1, 0))
	d.advance(500)
	assert.Equal(t, 1, d.send(evB(1)))
	assert.Equal(t, 0, d.sched.Len())

	d = newDriver(t, pattern())
	d.send(evA(1, 0))
	d.advance(1000)
	assert.Equal(t, 0, d.send(evB(1)))
	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.filters.Len())
	assert.Equal(t, 0, d.sched.Len())
}

func TestGuard_TimerWithinMax(t *testing.T) {
	d := newDriver(t, &Guard{Child: &Every{Child: leaf("a", typeA)}, Factory: TimerWithinMax(10000, 2)})

	assert.Equal(t, 1, d.send(evA(1, 0)))
	assert.Equal(t, 1, d.send(evA(2, 0)))
	assert.Equal(t, 0, d.send(evA(3, 0)))
	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.sched.Len())
}

func TestGuard_While(t *testing.T) {
	cond := expr.Cmp(expr.OpLt, expr.Prop{Stream: 0, Path: "v"}, expr.C(3))
	d := newDriver(t, &Guard{Child: &Every{Child: leaf("a", typeA)}, Factory: While(cond)})

	assert.Equal(t, 1, d.send(evA(1, 1)))
	assert.Equal(t, 1, d.send(evA(2, 2)))
	assert.Equal(t, 0, d.send(evA(3, 5)))
	assert.Equal(t, 0, d.send(evA(4, 1)))
	assert.Equal(t, 0, d.filters.Len())
}

type panickyObserver struct{}

func (panickyObserver) Name() string { return "test:panic" }

func (panickyObserver) NewObserver(*Env, *MatchedEvents, ObserverReceiver) ObserverPlugin {
	return panickyObserver{}
}

func (panickyObserver) Start() { panic("boom") }

func (panickyObserver) Stop() {}

func TestPluginPanicIsContained(t *testing.T) {
	d := newDriver(t, &Or{Children: []Node{&Observer{Factory: panickyObserver{}}, leaf("a", typeA)}})

	assert.Contains(t, d.log.String(), "pattern plug-in failed")
	assert.Contains(t, d.log.String(), "boom")
	assert.Equal(t, 1, d.send(evA(1, 0)))
}

// flakyGuard passes every match; its first instances fail as configured.
type flakyGuard struct {
	failCreate int // panics in NewGuard
	nilCreate  int // nil from NewGuard
	failStart  int // panics in Start
}

func (f *flakyGuard) Name() string { return "test:flaky" }

func (f *flakyGuard) NewGuard(*Env, func()) GuardPlugin {
	switch {
	case f.failCreate > 0:
		f.failCreate--
		panic("create failed")
	case f.nilCreate > 0:
		f.nilCreate--
		return nil
	}
	fail := f.failStart > 0
	if fail {
		f.failStart--
	}
	return &flakyGuardPlugin{failStart: fail}
}

type flakyGuardPlugin struct{ failStart bool }

func (p *flakyGuardPlugin) Start() {
	if p.failStart {
		panic("start failed")
	}
}

func (p *flakyGuardPlugin) Stop() {}

func (p *flakyGuardPlugin) Inspect(*MatchedEvents) (bool, bool) { return true, false }

// flakyObserver turns true as soon as it starts; its first instances panic
// on creation.
type flakyObserver struct{ failCreate int }

func (f *flakyObserver) Name() string { return "test:flaky" }

func (f *flakyObserver) NewObserver(_ *Env, begin *MatchedEvents, r ObserverReceiver) ObserverPlugin {
	if f.failCreate > 0 {
		f.failCreate--
		panic("create failed")
	}
	return &immediateObserver{begin: begin, r: r}
}

type immediateObserver struct {
	begin *MatchedEvents
	r     ObserverReceiver
}

func (o *immediateObserver) Start() { o.r.ObserverTrue(o.begin, true) }
func (o *immediateObserver) Stop()  {}

func TestEvery_RestartsAfterGuardFailure(t *testing.T) {
	testCases := []struct {
		name  string
		guard *flakyGuard
	}{
		{"create panics", &flakyGuard{failCreate: 1}},
		{"create returns nil", &flakyGuard{nilCreate: 1}},
		{"start panics", &flakyGuard{failStart: 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDriver(t, &Every{Child: &FollowedBy{Children: []Node{
				leaf("a", typeA),
				&Guard{Child: leaf("b", typeB), Factory: tc.guard},
			}}})

			assert.Equal(t, 0, d.send(evA(1, 0)))
			assert.True(t, d.root.Active())
			assert.Equal(t, 1, d.filters.Len(), "a fresh activation waits for A")

			assert.Equal(t, 0, d.send(evA(2, 0)))
			assert.Equal(t, 1, d.send(evB(1)))
			assert.Equal(t, int64(2), d.matches[0].Get("a").Get("id"))
		})
	}
}

func TestEvery_RestartsAfterObserverFailure(t *testing.T) {
	d := newDriver(t, &Every{Child: &FollowedBy{Children: []Node{
		leaf("a", typeA),
		&Observer{Factory: &flakyObserver{failCreate: 1}},
	}}})

	assert.Equal(t, 0, d.send(evA(1, 0)))
	assert.Contains(t, d.log.String(), "create failed")
	assert.Equal(t, 1, d.send(evA(2, 0)))
	assert.Equal(t, 1, d.send(evA(3, 0)))
}

func TestFollowedBy_GuardFailureEndsPattern(t *testing.T) {
	d := newDriver(t, &FollowedBy{Children: []Node{
		leaf("a", typeA),
		&Guard{Child: leaf("b", typeB), Factory: &flakyGuard{failCreate: 1}},
	}})

	assert.Equal(t, 0, d.send(evA(1, 0)))
	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.filters.Len())
	assert.Equal(t, 0, d.send(evB(1)))
}

func TestEvery_ChildFailingOnStartEndsPattern(t *testing.T) {
	d := newDriver(t, &Every{Child: &Guard{Child: leaf("b", typeB), Factory: &flakyGuard{failCreate: 1}}})

	assert.False(t, d.root.Active())
	assert.Equal(t, 0, d.filters.Len())
	assert.Contains(t, d.log.String(), "failed on start")
}

func TestStop_ReleasesEverything(t *testing.T) {
	d := newDriver(t, &Every{Child: &FollowedBy{Children: []Node{
		leaf("a", typeA),
		&Observer{Factory: TimerInterval(100)},
	}}})

	d.send(evA(1, 0))
	assert.Equal(t, 0, d.send(evA(2, 0)), "the activation waits for its timer")
	assert.Equal(t, 1, d.advance(100))
	d.send(evA(3, 0))
	assert.Equal(t, 1, d.sched.Len())

	d.root.Stop()
	d.root.Stop()
	assert.Equal(t, 0, d.filters.Len())
	assert.Equal(t, 0, d.sched.Len())
	assert.Equal(t, 0, d.advance(1000))
}

func TestCompile(t *testing.T) {
	meta, err := Compile(&FollowedBy{Children: []Node{leaf("a", typeA), &Every{Child: leaf("b", typeB)}, leaf("a", typeA)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, meta.Tags())

	_, err = Compile(&And{})
	assert.True(t, expr.IsValidationError(err))

	_, err = Compile(&Every{})
	assert.Error(t, err)

	_, err = Compile(&Guard{Child: leaf("a", typeA)})
	assert.Error(t, err)

	dangling := leaf("b", typeB, filter.Param{Property: "id", Op: filter.OpEqual, Ref: &filter.TagRef{Tag: "zz", Property: "id"}})
	_, err = Compile(dangling)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undefined tag "zz"`)
}

func TestMatchedEvents_CloneIsIndependent(t *testing.T) {
	meta := NewMeta("a", "b")
	m := NewMatchedEvents(meta)
	m.Set("a", evA(1, 0))
	c := m.Clone()
	c.Set("b", evB(2))

	assert.Nil(t, m.Get("b"))
	assert.NotNil(t, c.Get("b"))
	assert.Nil(t, m.Get("unknown"))

	rt := meta.ResultType("P", map[string]*event.Type{"a": typeA, "b": typeB})
	ev := c.Event(rt)
	assert.Equal(t, int64(2), ev.Get("b.id"))
	kind, ok := rt.PropertyType("a.id")
	require.True(t, ok)
	assert.Equal(t, event.KindInt, kind)
}

func TestPlugins_Resolve(t *testing.T) {
	p := NewPlugins()

	obs, err := p.Observer("timer:interval", Params{int64(500)})
	require.NoError(t, err)
	assert.Equal(t, "timer:interval(500)", obs.Name())

	g, err := p.Guard("timer:withinmax", Params{1000, 3})
	require.NoError(t, err)
	assert.Equal(t, "timer:withinmax(1000, 3)", g.Name())

	_, err = p.Guard("timer:within", Params{"soon"})
	assert.Error(t, err)
	_, err = p.Observer("timer:at", nil)
	assert.ErrorContains(t, err, "unknown pattern observer")
	_, err = p.Guard("while", Params{expr.C(true)})
	assert.NoError(t, err)
}
