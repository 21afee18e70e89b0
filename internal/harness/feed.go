package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/esq/internal/engine"
	"github.com/roach88/esq/internal/event"
)

// LoadFeed reads an event feed: a YAML list of steps, the same shape as a
// scenario's steps. A path of "-" reads standard input.
func LoadFeed(path string) ([]Step, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return ParseFeed(data)
}

// ParseFeed parses feed YAML. An empty document is an empty feed.
func ParseFeed(data []byte) ([]Step, error) {
	var steps []Step
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&steps); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	if err := validateSteps(steps); err != nil {
		return nil, fmt.Errorf("invalid feed: %w", err)
	}
	return steps, nil
}

// Apply performs one step on e: advances time, or builds the event from
// its property map and sends it. Expect clauses are ignored.
func Apply(e *engine.Engine, step Step) error {
	if step.Advance != nil {
		if err := e.AdvanceTime(*step.Advance); err != nil {
			return fmt.Errorf("advance to %d: %w", *step.Advance, err)
		}
		return nil
	}

	t, ok := e.EventType(step.Send)
	if !ok {
		return fmt.Errorf("send: unknown event type %q", step.Send)
	}
	ev, err := event.FromMap(t, step.Event)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := e.SendEvent(ev); err != nil {
		return fmt.Errorf("send %s: %w", step.Send, err)
	}
	return nil
}
