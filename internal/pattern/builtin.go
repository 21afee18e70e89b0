package pattern

import (
	"fmt"

	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/sched"
)

func msecParam(plugin string, params Params, i int) (int64, error) {
	if len(params) <= i {
		return 0, fmt.Errorf("%s: missing parameter %d", plugin, i+1)
	}
	f, ok := expr.ToFloat(params[i])
	if !ok {
		return 0, fmt.Errorf("%s: parameter %d must be a number, got %T", plugin, i+1, params[i])
	}
	if f < 0 {
		return 0, fmt.Errorf("%s: parameter %d must not be negative", plugin, i+1)
	}
	return int64(f), nil
}

// timer:interval(msec) turns true once, msec after it started.
type timerInterval struct {
	msec int64
}

func newTimerInterval(params Params) (ObserverFactory, error) {
	msec, err := msecParam("timer:interval", params, 0)
	if err != nil {
		return nil, err
	}
	return &timerInterval{msec: msec}, nil
}

// TimerInterval returns the timer:interval observer for msec milliseconds.
func TimerInterval(msec int64) ObserverFactory {
	return &timerInterval{msec: msec}
}

func (f *timerInterval) Name() string {
	return fmt.Sprintf("timer:interval(%d)", f.msec)
}

func (f *timerInterval) NewObserver(env *Env, begin *MatchedEvents, receiver ObserverReceiver) ObserverPlugin {
	return &intervalObserver{env: env, begin: begin, receiver: receiver, msec: f.msec}
}

type intervalObserver struct {
	env      *Env
	begin    *MatchedEvents
	receiver ObserverReceiver
	msec     int64
	handle   *sched.Handle
}

func (o *intervalObserver) Start() {
	o.handle = o.env.Schedule(o.msec, func() {
		if o.handle == nil {
			return
		}
		o.handle = nil
		o.receiver.ObserverTrue(o.begin, true)
	})
}

func (o *intervalObserver) Stop() {
	o.env.Cancel(o.handle)
	o.handle = nil
}

// timer:within(msec) ends the guarded expression msec after it started.
type timerWithin struct {
	msec int64
	// max limits the number of passing matches; 0 is unlimited.
	max int64
}

func newTimerWithin(params Params) (GuardFactory, error) {
	msec, err := msecParam("timer:within", params, 0)
	if err != nil {
		return nil, err
	}
	return &timerWithin{msec: msec}, nil
}

func newTimerWithinMax(params Params) (GuardFactory, error) {
	msec, err := msecParam("timer:withinmax", params, 0)
	if err != nil {
		return nil, err
	}
	limit, err := msecParam("timer:withinmax", params, 1)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		return nil, fmt.Errorf("timer:withinmax: max count must be positive")
	}
	return &timerWithin{msec: msec, max: limit}, nil
}

// TimerWithin returns the timer:within guard.
func TimerWithin(msec int64) GuardFactory {
	return &timerWithin{msec: msec}
}

// TimerWithinMax returns the timer:withinmax guard: at most limit matches
// pass within msec.
func TimerWithinMax(msec, limit int64) GuardFactory {
	return &timerWithin{msec: msec, max: limit}
}

func (f *timerWithin) Name() string {
	if f.max > 0 {
		return fmt.Sprintf("timer:withinmax(%d, %d)", f.msec, f.max)
	}
	return fmt.Sprintf("timer:within(%d)", f.msec)
}

func (f *timerWithin) NewGuard(env *Env, quit func()) GuardPlugin {
	return &withinGuard{env: env, quit: quit, msec: f.msec, max: f.max}
}

type withinGuard struct {
	env    *Env
	quit   func()
	msec   int64
	max    int64
	count  int64
	handle *sched.Handle
}

func (g *withinGuard) Start() {
	g.handle = g.env.Schedule(g.msec, func() {
		if g.handle == nil {
			return
		}
		g.handle = nil
		g.quit()
	})
}

func (g *withinGuard) Stop() {
	g.env.Cancel(g.handle)
	g.handle = nil
}

func (g *withinGuard) Inspect(*MatchedEvents) (bool, bool) {
	if g.max == 0 {
		return true, false
	}
	g.count++
	switch {
	case g.count > g.max:
		return false, true
	case g.count == g.max:
		return true, true
	}
	return true, false
}

// while(expr) passes matches while expr holds and ends the guarded
// expression the first time it does not. Tags are addressed as streams in
// slot order.
type whileGuard struct {
	cond expr.Node
}

func newWhileGuard(params Params) (GuardFactory, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("while: expected one expression parameter, got %d", len(params))
	}
	cond, ok := params[0].(expr.Node)
	if !ok {
		return nil, fmt.Errorf("while: parameter must be an expression, got %T", params[0])
	}
	return &whileGuard{cond: cond}, nil
}

// While returns the while guard over cond.
func While(cond expr.Node) GuardFactory {
	return &whileGuard{cond: cond}
}

func (f *whileGuard) Name() string {
	return fmt.Sprintf("while(%s)", expr.String(f.cond))
}

func (f *whileGuard) NewGuard(*Env, func()) GuardPlugin {
	return f
}

func (f *whileGuard) Start() {}

func (f *whileGuard) Stop() {}

func (f *whileGuard) Inspect(m *MatchedEvents) (bool, bool) {
	pass := expr.EvalBool(f.cond, &expr.Context{Events: m.Events()})
	return pass, !pass
}
