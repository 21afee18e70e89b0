package pattern

import (
	"log/slog"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/filter"
	"github.com/roach88/esq/internal/sched"
)

// Runtime binds a running pattern to the engine services of its statement.
type Runtime struct {
	// Statement names the owning statement in logs.
	Statement string
	// Owner is set on every filter and schedule handle the pattern creates.
	Owner any

	Filters   *filter.Service
	Scheduler *sched.Service
	Bucket    *sched.Bucket
	Logger    *slog.Logger
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

func (rt *Runtime) addFilter(spec *filter.Spec, fn func(event.Event)) *filter.Handle {
	h := filter.NewHandle(rt.Owner, fn)
	if err := rt.Filters.Add(spec, h); err != nil {
		rt.logger().Error("pattern filter registration failed", "statement", rt.Statement, "filter", spec.String(), "error", err)
		return nil
	}
	return h
}

func (rt *Runtime) removeFilter(spec *filter.Spec, h *filter.Handle) {
	if err := rt.Filters.Remove(spec, h); err != nil {
		rt.logger().Warn("pattern filter removal failed", "statement", rt.Statement, "filter", spec.String(), "error", err)
	}
}

func (rt *Runtime) newEnv() *Env {
	env := &Env{rt: rt}
	if rt.Bucket != nil {
		env.slot = rt.Bucket.Allocate()
	}
	return env
}

// safely runs a plug-in call, recovering and logging a panic. It reports
// whether the call completed.
func (rt *Runtime) safely(plugin, call string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger().Error("pattern plug-in failed",
				"statement", rt.Statement,
				"plugin", plugin,
				"call", call,
				"panic", r,
			)
			ok = false
		}
	}()
	fn()
	return true
}

// Env is the view of the engine a plug-in instance gets.
type Env struct {
	rt   *Runtime
	slot sched.Slot
}

// Statement returns the owning statement name.
func (e *Env) Statement() string {
	return e.rt.Statement
}

// Time returns the engine time in milliseconds.
func (e *Env) Time() int64 {
	return e.rt.Scheduler.Time()
}

// Schedule runs fn after delay milliseconds of engine time, under the
// statement's lock.
func (e *Env) Schedule(delay int64, fn func()) *sched.Handle {
	h := sched.NewHandle(e.rt.Owner, fn)
	if err := e.rt.Scheduler.Add(delay, h, e.slot); err != nil {
		e.rt.logger().Error("pattern schedule failed", "statement", e.rt.Statement, "error", err)
	}
	return h
}

// Cancel removes a scheduled callback. Cancelling nil or a fired handle is
// a no-op.
func (e *Env) Cancel(h *sched.Handle) {
	if h != nil {
		e.rt.Scheduler.Remove(h)
	}
}
