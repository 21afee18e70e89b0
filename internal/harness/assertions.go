package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/expr"
	"github.com/roach88/esq/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] t=%d %s new=%s old=%s\n",
				ev.Seq, ev.Time, ev.Statement, formatRecords(ev.New), formatRecords(ev.Old))
		}
	}
	return buf.String()
}

// checkExpect compares the batches of step i with its expect clause.
func checkExpect(i int, expect []Expected, batches []store.StoredBatch) []string {
	var errs []string
	got := make(map[string]*store.StoredBatch)
	var order []string
	for _, b := range batches {
		acc, ok := got[b.Statement]
		if !ok {
			acc = &store.StoredBatch{Statement: b.Statement}
			got[b.Statement] = acc
			order = append(order, b.Statement)
		}
		acc.New = append(acc.New, b.New...)
		acc.Old = append(acc.Old, b.Old...)
	}

	expected := make(map[string]bool)
	for _, exp := range expect {
		expected[exp.Statement] = true
		acc, ok := got[exp.Statement]
		if !ok {
			errs = append(errs, fmt.Sprintf("step %d: statement %s emitted nothing, expected new=%v old=%v",
				i, exp.Statement, exp.New, exp.Old))
			continue
		}
		if msg := matchRecords(acc.New, exp.New); msg != "" {
			errs = append(errs, fmt.Sprintf("step %d: statement %s new events: %s", i, exp.Statement, msg))
		}
		if msg := matchRecords(acc.Old, exp.Old); msg != "" {
			errs = append(errs, fmt.Sprintf("step %d: statement %s old events: %s", i, exp.Statement, msg))
		}
	}
	for _, name := range order {
		if !expected[name] {
			acc := got[name]
			errs = append(errs, fmt.Sprintf("step %d: unexpected output from %s: new=%s old=%s",
				i, name, formatRecords(acc.New), formatRecords(acc.Old)))
		}
	}
	return errs
}

// matchRecords checks that actual has one record per expected row, each a
// subset match, in order. Returns "" on success.
func matchRecords(actual []store.Record, expected []map[string]any) string {
	if len(actual) != len(expected) {
		return fmt.Sprintf("got %d events %s, expected %d", len(actual), formatRecords(actual), len(expected))
	}
	for i, row := range expected {
		if !matchRow(actual[i].Data, row) {
			return fmt.Sprintf("event %d is %s, expected %v", i, formatRecords(actual[i:i+1]), row)
		}
	}
	return ""
}

// assertOutputCount checks the number of new events a statement emitted.
func assertOutputCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Statement == a.Statement {
			count += len(ev.New)
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertOutputCount,
			Expected: fmt.Sprintf("%d new events from %s", a.Count, a.Statement),
			Actual:   fmt.Sprintf("%d new events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertOutputContains checks that some new event of the statement matches
// the row.
func assertOutputContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Statement != a.Statement {
			continue
		}
		for _, r := range ev.New {
			if matchRow(r.Data, a.Row) {
				return nil
			}
		}
	}
	return &AssertionError{
		Type:     AssertOutputContains,
		Expected: fmt.Sprintf("%s emits %v", a.Statement, a.Row),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertOutputOrder checks that statements first emitted in the given
// order. Other statements may emit in between.
func assertOutputOrder(trace []TraceEvent, a Assertion) error {
	first := make(map[string]int64)
	for _, ev := range trace {
		if _, ok := first[ev.Statement]; !ok {
			first[ev.Statement] = ev.Seq
		}
	}
	for _, name := range a.Statements {
		if _, ok := first[name]; !ok {
			return &AssertionError{
				Type:     AssertOutputOrder,
				Expected: fmt.Sprintf("output from all of %v", a.Statements),
				Actual:   fmt.Sprintf("no output from %s", name),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Statements); i++ {
		prev, curr := a.Statements[i-1], a.Statements[i]
		if first[prev] >= first[curr] {
			return &AssertionError{
				Type:     AssertOutputOrder,
				Expected: fmt.Sprintf("first output in order %v", a.Statements),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, first[prev], curr, first[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertFinalRows iterates the statement and matches its rows in order.
func assertFinalRows(e *engine.Engine, a Assertion) error {
	s, ok := e.Statement(a.Statement)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalRows,
			Expected: fmt.Sprintf("statement %s", a.Statement),
			Actual:   "no such statement",
		}
	}
	snap, err := e.Iterate(s)
	if err != nil {
		return err
	}
	records := make([]store.Record, snap.Len())
	for i, ev := range snap.Events() {
		records[i] = store.RecordOf(ev)
	}
	snap.Close()

	if msg := matchRecords(records, a.Rows); msg != "" {
		return &AssertionError{
			Type:     AssertFinalRows,
			Expected: fmt.Sprintf("%s rows %v", a.Statement, a.Rows),
			Actual:   msg,
		}
	}
	return nil
}

// matchRow checks if actual contains all expected properties (subset
// match). Extra properties in actual are ignored.
func matchRow(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares a stored value with a YAML value. Numbers compare
// by value across int and float; maps match by subset.
func valuesEqual(actual, expected any) bool {
	actual = plainNumber(actual)
	if rec, ok := actual.(store.Record); ok {
		actual = map[string]any{"type": rec.Type, "data": rec.Data}
	}
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	switch want := expected.(type) {
	case map[string]any:
		got, ok := actual.(map[string]any)
		return ok && matchRow(got, want)
	case []any:
		got, ok := actual.([]any)
		if !ok || len(got) != len(want) {
			return false
		}
		for i := range want {
			if !valuesEqual(got[i], want[i]) {
				return false
			}
		}
		return true
	}
	return expr.Equal(actual, expected)
}

func plainNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// formatRecords renders records compactly with sorted properties.
func formatRecords(records []store.Record) string {
	parts := make([]string, len(records))
	for i, r := range records {
		keys := make([]string, 0, len(r.Data))
		for k := range r.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		props := make([]string, len(keys))
		for j, k := range keys {
			props[j] = fmt.Sprintf("%s=%v", k, r.Data[k])
		}
		parts[i] = "{" + strings.Join(props, " ") + "}"
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Engine *engine.Engine
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the engine for final_rows assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertOutputCount:
			err = assertOutputCount(result.Trace, assertion)
		case AssertOutputContains:
			err = assertOutputContains(result.Trace, assertion)
		case AssertOutputOrder:
			err = assertOutputOrder(result.Trace, assertion)
		case AssertFinalRows:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: final_rows requires an engine", i)
			} else {
				err = assertFinalRows(actx.Engine, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
