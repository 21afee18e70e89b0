package harness

import "github.com/roach88/esq/internal/store"

// TraceEvent is one delivered batch, as read back from the output log.
type TraceEvent struct {
	Step      int            `json:"step"`
	Seq       int64          `json:"seq"`
	Time      int64          `json:"time"`
	Statement string         `json:"statement"`
	New       []store.Record `json:"new,omitempty"`
	Old       []store.Record `json:"old,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success: every expect clause and
	// assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every batch delivered, in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddBatch adds a batch produced by step to the trace.
func (r *Result) AddBatch(step int, b store.StoredBatch) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:      step,
		Seq:       b.Seq,
		Time:      b.Time,
		Statement: b.Statement,
		New:       b.New,
		Old:       b.Old,
	})
}
