package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/esq/internal/event"
)

// Record is the stored form of an event: its type name and its properties
// as plain JSON values. Properties holding events are stored as nested
// records.
type Record struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// RecordOf flattens ev into a Record. Declared properties are read through
// the event; dynamic types store the map the event was built from.
func RecordOf(ev event.Event) Record {
	t := ev.Type()
	r := Record{Type: t.Name, Data: map[string]any{}}
	if t.IsDynamic() {
		if m, ok := ev.Underlying().(map[string]any); ok {
			for k, v := range m {
				r.Data[k] = plain(v)
			}
		}
		return r
	}
	for _, name := range t.Properties() {
		if v := ev.Get(name); v != nil {
			r.Data[name] = plain(v)
		}
	}
	return r
}

func plain(v any) any {
	switch x := v.(type) {
	case event.Event:
		return RecordOf(x)
	case []event.Event:
		out := make([]Record, len(x))
		for i, ev := range x {
			out[i] = RecordOf(ev)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	}
	return v
}

func marshalEvents(events []event.Event) (string, error) {
	records := make([]Record, len(events))
	for i, ev := range events {
		records[i] = RecordOf(ev)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unmarshalRecords decodes stored events. Numbers stay json.Number so
// integers read back without passing through float64.
func unmarshalRecords(s string) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return records, nil
}
