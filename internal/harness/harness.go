package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/esq/internal/compiler"
	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/store"
)

// Harness is the test execution engine for one scenario.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	runID  string
	logger *slog.Logger

	// lastSeq is the highest sequence number already in the trace.
	lastSeq int64
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the harness and its engine. Logs are
// discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs on a fresh engine with an in-memory output log.
// Execution flow:
// 1. Load and deploy the scenario's specs
// 2. Execute steps, checking expect clauses against the batches each produced
// 3. Evaluate assertions against the trace and the final statement state
//
// A returned error means the scenario could not run at all; failed
// expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	v, err := compiler.Load(scenario.Specs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load specs: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	run, err := st.CreateRun(ctx, store.Run{ID: scenario.Name, Source: "scenario", StartTime: scenario.Start})
	if err != nil {
		return nil, err
	}

	eng := engine.New(
		engine.WithLogger(o.logger),
		engine.WithStartTime(scenario.Start),
		engine.WithOutputLog(st.Log(run.ID)),
	)
	defer eng.Close()

	if _, err := compiler.Deploy(eng, v); err != nil {
		return nil, fmt.Errorf("failed to deploy specs: %w", err)
	}

	h := &Harness{
		store:  st,
		engine: eng,
		runID:  run.ID,
		logger: o.logger,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Engine: eng}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// executeStep runs one step, appends the batches it produced to the trace
// and checks its expect clause.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	if err := Apply(h.engine, step); err != nil {
		return err
	}

	batches, err := h.newBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		result.AddBatch(i, b)
	}
	h.logger.Debug("step completed", "step", i, "batches", len(batches))

	if step.Expect != nil {
		for _, msg := range checkExpect(i, step.Expect, batches) {
			result.AddError(msg)
		}
	}
	return nil
}

// newBatches reads the batches logged since the last call.
func (h *Harness) newBatches(ctx context.Context) ([]store.StoredBatch, error) {
	all, err := h.store.ReadBatches(ctx, h.runID, "")
	if err != nil {
		return nil, err
	}
	var out []store.StoredBatch
	for _, b := range all {
		if b.Seq > h.lastSeq {
			out = append(out, b)
			h.lastSeq = b.Seq
		}
	}
	return out, nil
}
