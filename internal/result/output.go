package result

import (
	"fmt"
	"log/slog"

	"github.com/roach88/esq/internal/event"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/sched"
)

// OutputRate selects when rows are released.
type OutputRate int

const (
	// EveryEvent releases the output of every update.
	EveryEvent OutputRate = iota
	// EveryN releases accumulated output once N input events arrived.
	EveryN
	// EveryInterval releases accumulated output at interval boundaries.
	EveryInterval
)

// OutputMode selects which accumulated rows are released.
type OutputMode int

const (
	OutputAll OutputMode = iota
	OutputLast
)

// OutputSpec configures output rate limiting.
type OutputSpec struct {
	Rate OutputRate
	N    int
	Msec int64
	// Reference anchors interval boundaries. When nil, the time of the
	// first output is used.
	Reference *int64
	Mode      OutputMode
}

func (s OutputSpec) String() string {
	mode := ""
	if s.Mode == OutputLast {
		mode = "last "
	}
	switch s.Rate {
	case EveryN:
		return fmt.Sprintf("output %severy %d events", mode, s.N)
	case EveryInterval:
		return fmt.Sprintf("output %severy %d msec", mode, s.Msec)
	}
	return "output every event"
}

// OutputContext carries the statement services an output condition uses.
type OutputContext struct {
	Statement string
	Owner     any
	Scheduler *sched.Service
	Slot      sched.Slot
	Logger    *slog.Logger
}

// OutputCondition buffers processor output and releases it through emit
// according to its spec.
type OutputCondition struct {
	ctx       OutputContext
	spec      OutputSpec
	emit      func(newRows, oldRows []event.Event)
	newRows   []event.Event
	oldRows   []event.Event
	count     int
	reference *int64
	handle    *sched.Handle
}

// NewOutputCondition validates spec and returns the condition.
func NewOutputCondition(ctx OutputContext, spec OutputSpec, emit func(newRows, oldRows []event.Event)) (*OutputCondition, error) {
	switch {
	case spec.Rate == EveryN && spec.N <= 0:
		return nil, &expr.ValidationError{Expr: spec.String(), Message: "event count must be positive"}
	case spec.Rate == EveryInterval && spec.Msec <= 0:
		return nil, &expr.ValidationError{Expr: spec.String(), Message: "interval must be positive"}
	case spec.Rate == EveryInterval && ctx.Scheduler == nil:
		return nil, &expr.ValidationError{Expr: spec.String(), Message: "a scheduler is required"}
	}
	if ctx.Logger == nil {
		ctx.Logger = slog.Default()
	}
	o := &OutputCondition{ctx: ctx, spec: spec, emit: emit}
	o.handle = sched.NewHandle(ctx.Owner, o.fire)
	return o, nil
}

// Update offers the output of one update. events is the number of input
// events the update consumed.
func (o *OutputCondition) Update(newRows, oldRows []event.Event, events int) {
	switch o.spec.Rate {
	case EveryEvent:
		if len(newRows) > 0 || len(oldRows) > 0 {
			o.release(newRows, oldRows)
		}
		return
	case EveryN:
		o.buffer(newRows, oldRows)
		o.count += events
		if o.count >= o.spec.N {
			o.count = 0
			o.Flush()
		}
		return
	}
	o.buffer(newRows, oldRows)
	if o.reference == nil {
		ref := o.ctx.Scheduler.Time()
		if o.spec.Reference != nil {
			ref = *o.spec.Reference
		}
		o.reference = &ref
	}
	o.schedule()
}

func (o *OutputCondition) buffer(newRows, oldRows []event.Event) {
	o.newRows = append(o.newRows, newRows...)
	o.oldRows = append(o.oldRows, oldRows...)
}

func (o *OutputCondition) schedule() {
	if o.ctx.Scheduler.IsScheduled(o.handle) {
		return
	}
	wait := sched.ComputeWaitMSec(o.ctx.Scheduler.Time(), *o.reference, o.spec.Msec)
	if err := o.ctx.Scheduler.Add(wait, o.handle, o.ctx.Slot); err != nil {
		o.ctx.Logger.Error("output schedule failed", "statement", o.ctx.Statement, "error", err)
	}
}

// fire runs at an interval boundary. The condition stays scheduled while
// there is output to release.
func (o *OutputCondition) fire() {
	if o.Pending() {
		o.Flush()
		o.schedule()
	}
}

// Pending reports whether buffered output awaits release.
func (o *OutputCondition) Pending() bool {
	return len(o.newRows) > 0 || len(o.oldRows) > 0
}

// Flush releases buffered output now.
func (o *OutputCondition) Flush() {
	newRows, oldRows := o.newRows, o.oldRows
	o.newRows, o.oldRows = nil, nil
	if len(newRows) > 0 || len(oldRows) > 0 {
		o.release(newRows, oldRows)
	}
}

func (o *OutputCondition) release(newRows, oldRows []event.Event) {
	if o.spec.Mode == OutputLast {
		newRows, oldRows = lastOf(newRows), lastOf(oldRows)
	}
	o.emit(newRows, oldRows)
}

func lastOf(rows []event.Event) []event.Event {
	if len(rows) == 0 {
		return nil
	}
	return rows[len(rows)-1:]
}

// Stop cancels the pending callback and drops buffered output.
func (o *OutputCondition) Stop() {
	if o.ctx.Scheduler != nil {
		o.ctx.Scheduler.Remove(o.handle)
	}
	o.newRows, o.oldRows = nil, nil
}
