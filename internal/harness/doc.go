// Package harness runs esq scenarios: scripted event timelines replayed
// against deployed statements, with expectations on what the statements
// emit.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: avg_price
//	description: "Average over the last two ticks"
//	specs:
//	  - ../specs/ticks.cue
//	start: 0
//	steps:
//	  - send: Tick
//	    event: { sym: IBM, price: 10 }
//	    expect:
//	      - statement: avgPrice
//	        new: [{ avg: 10 }]
//	  - advance: 1000
//	    expect: []
//	assertions:
//	  - type: output_count
//	    statement: avgPrice
//	    count: 1
//	  - type: final_rows
//	    statement: avgPrice
//	    rows: [{ avg: 10 }]
//
// Spec paths are files or directories, relative to the scenario file. A step
// either sends one event or advances engine time. Its expect list, when
// present, must match exactly the batches the step produced, statement by
// statement; an empty list asserts the step produced nothing.
//
// # Assertion Types
//
//   - output_count: the statement emitted exactly count new events
//   - output_contains: some new event of the statement matches row
//   - output_order: the statements first emitted in the given order
//   - final_rows: iterating the statement at the end yields rows
//
// Rows match by subset: properties a row does not mention are ignored.
// Numbers compare by value, so 10 matches 10.0.
//
// # Deterministic Testing
//
// Every scenario runs on a fresh engine whose time starts at start and moves
// only through advance steps, with an in-memory output log. The trace of a
// scenario is therefore identical across runs and is compared against
// golden files with RunWithGolden.
package harness
