package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/esq/internal/engine"
)

// Run identifies one engine lifetime in the log.
type Run struct {
	ID        string
	Source    string
	StartTime int64
}

// CreateRun records a run. An empty ID is replaced by a new UUIDv7, so runs
// sort by creation. Returns the run as stored.
func (s *Store) CreateRun(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return run, fmt.Errorf("generate run id: %w", err)
		}
		run.ID = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, start_time) VALUES (?, ?, ?)`,
		run.ID, run.Source, run.StartTime)
	if err != nil {
		return run, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return run, nil
}

// OutputLog appends the batches of one run. It implements engine.OutputLog.
type OutputLog struct {
	store *Store
	runID string
}

var _ engine.OutputLog = (*OutputLog)(nil)

// Log returns the output log of a run created with CreateRun.
func (s *Store) Log(runID string) *OutputLog {
	return &OutputLog{store: s, runID: runID}
}

// Append stores one batch. A sequence number already present in the run is
// an error; the log never rewrites history.
func (l *OutputLog) Append(ctx context.Context, b engine.Batch) error {
	newJSON, err := marshalEvents(b.New)
	if err != nil {
		return err
	}
	oldJSON, err := marshalEvents(b.Old)
	if err != nil {
		return err
	}
	_, err = l.store.db.ExecContext(ctx, `
		INSERT INTO batches (run_id, seq, time, statement, new_events, old_events)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.runID, b.Seq, b.Time, b.Statement, newJSON, oldJSON)
	if err != nil {
		return fmt.Errorf("insert batch %d of run %s: %w", b.Seq, l.runID, err)
	}
	return nil
}
