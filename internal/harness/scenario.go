package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a scripted run of deployed statements.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after
	// it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists CUE files or directories to deploy. LoadScenario resolves
	// them relative to the scenario file.
	Specs []string `yaml:"specs"`

	// Start is the engine time in milliseconds before the first step.
	Start int64 `yaml:"start,omitempty"`

	// Steps is the timeline, executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final statement state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step sends one event or advances time.
type Step struct {
	// Send is the event type name of the event to send.
	Send string `yaml:"send,omitempty"`

	// Event holds the properties of the sent event.
	Event map[string]any `yaml:"event,omitempty"`

	// Advance moves engine time to this absolute millisecond value.
	Advance *int64 `yaml:"advance,omitempty"`

	// Expect lists the batches the step must produce. Nil skips the check;
	// an empty list asserts that nothing was emitted.
	Expect []Expected `yaml:"expect,omitempty"`
}

// Expected describes the output of one statement during a step. New and
// Old are matched against the events of all the statement's batches in the
// step, in order.
type Expected struct {
	Statement string           `yaml:"statement"`
	New       []map[string]any `yaml:"new,omitempty"`
	Old       []map[string]any `yaml:"old,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "output_count": statement emitted exactly Count new events
	// - "output_contains": some new event of statement matches Row
	// - "output_order": Statements first emitted in this order
	// - "final_rows": iterating statement yields Rows
	Type string `yaml:"type"`

	// Statement is the statement name (all types but output_order).
	Statement string `yaml:"statement,omitempty"`

	// Count is the expected number of new events (output_count).
	Count int `yaml:"count,omitempty"`

	// Row is a subset-matched event (output_contains).
	Row map[string]any `yaml:"row,omitempty"`

	// Statements is the expected first-output order (output_order).
	Statements []string `yaml:"statements,omitempty"`

	// Rows are the expected iterator rows, in order (final_rows).
	Rows []map[string]any `yaml:"rows,omitempty"`
}

// Assertion type constants.
const (
	AssertOutputCount    = "output_count"
	AssertOutputContains = "output_contains"
	AssertOutputOrder    = "output_order"
	AssertFinalRows      = "final_rows"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the file. Returns an error if the file doesn't
// exist, is malformed, contains unknown fields (typos), or is missing
// required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, specPath := range s.Specs {
		if !filepath.IsAbs(specPath) {
			s.Specs[i] = filepath.Join(base, specPath)
		}
	}
	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: spec path not found: %s", specPath)
		}
	}
	return s, nil
}

// ParseScenario parses scenario YAML without touching the file system.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := validateSteps(s.Steps); err != nil {
		return err
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOutputCount:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for output_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for output_count", index)
		}
	case AssertOutputContains:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for output_contains", index)
		}
		if len(a.Row) == 0 {
			return fmt.Errorf("assertions[%d]: row is required for output_contains", index)
		}
	case AssertOutputOrder:
		if len(a.Statements) == 0 {
			return fmt.Errorf("assertions[%d]: statements list is required for output_order", index)
		}
	case AssertFinalRows:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for final_rows", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// validateSteps checks the send/advance shape of every step.
func validateSteps(steps []Step) error {
	for i, step := range steps {
		switch {
		case step.Send != "" && step.Advance != nil:
			return fmt.Errorf("steps[%d]: send and advance are exclusive", i)
		case step.Send == "" && step.Advance == nil:
			return fmt.Errorf("steps[%d]: send or advance is required", i)
		case step.Send == "" && step.Event != nil:
			return fmt.Errorf("steps[%d]: event is only valid with send", i)
		}
		for j, exp := range step.Expect {
			if exp.Statement == "" {
				return fmt.Errorf("steps[%d].expect[%d]: statement is required", i, j)
			}
		}
	}
	return nil
}
