package store

import (
	"context"
	"database/sql"
	"fmt"
)

// StoredBatch is a batch read back from the log.
type StoredBatch struct {
	RunID     string
	Seq       int64
	Time      int64
	Statement string
	New       []Record
	Old       []Record
}

// Runs lists all runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, start_time FROM runs
		ORDER BY start_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Source, &r.StartTime); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently created run. The second result is
// false when the log is empty.
func (s *Store) LatestRun(ctx context.Context) (Run, bool, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, start_time FROM runs
		ORDER BY rowid DESC LIMIT 1
	`).Scan(&r.ID, &r.Source, &r.StartTime)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("query latest run: %w", err)
	}
	return r, true, nil
}

// ReadBatches returns the batches of a run in sequence order. A non-empty
// statement restricts the result to that statement.
func (s *Store) ReadBatches(ctx context.Context, runID, statement string) ([]StoredBatch, error) {
	query := `
		SELECT seq, time, statement, new_events, old_events
		FROM batches WHERE run_id = ?`
	args := []any{runID}
	if statement != "" {
		query += ` AND statement = ?`
		args = append(args, statement)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches of run %s: %w", runID, err)
	}
	defer rows.Close()

	var batches []StoredBatch
	for rows.Next() {
		b := StoredBatch{RunID: runID}
		var newJSON, oldJSON string
		if err := rows.Scan(&b.Seq, &b.Time, &b.Statement, &newJSON, &oldJSON); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if b.New, err = unmarshalRecords(newJSON); err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Seq, err)
		}
		if b.Old, err = unmarshalRecords(oldJSON); err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Seq, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// LastSeq returns the highest sequence number in the log, across all runs,
// or 0 when the log is empty. An engine continuing the log starts its
// sequencer here.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM batches`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}
