package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// MaxRunListLimit caps how many runs one history request can return.
const MaxRunListLimit = 100

// SyncRun is the read model for one ledger entry, as served to the
// dashboard's run history views.
type SyncRun struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Status      string     `json:"status"`
	Trigger     string     `json:"trigger"`
	Message     *string    `json:"message"`
	RowsWritten *int32     `json:"rows_written"`
	SourceHash  *string    `json:"source_hash"`
}

const runSelect = `
	SELECT id, started_at, finished_at, status, trigger, message, rows_written, source_hash
	FROM sync_runs`

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > MaxRunListLimit {
		limit = MaxRunListLimit
	}

	rows, err := s.pool.Query(ctx, runSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync runs rows: %w", err)
	}
	return runs, nil
}

// LastRun returns the most recent run, or nil when the ledger is empty.
func (s *Store) LastRun(ctx context.Context) (*SyncRun, error) {
	rows, err := s.pool.Query(ctx, runSelect+` ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("query last sync run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("last sync run rows: %w", err)
		}
		return nil, nil
	}
	run, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRun(rows pgx.Rows) (SyncRun, error) {
	var (
		id          pgtype.UUID
		startedAt   time.Time
		finishedAt  pgtype.Timestamptz
		status      string
		trigger     string
		message     pgtype.Text
		rowsWritten pgtype.Int4
		sourceHash  pgtype.Text
	)
	if err := rows.Scan(&id, &startedAt, &finishedAt, &status, &trigger, &message, &rowsWritten, &sourceHash); err != nil {
		return SyncRun{}, fmt.Errorf("scan sync run: %w", err)
	}

	run := SyncRun{
		ID:        uuid.UUID(id.Bytes).String(),
		StartedAt: startedAt,
		Status:    status,
		Trigger:   trigger,
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if message.Valid {
		m := message.String
		run.Message = &m
	}
	if rowsWritten.Valid {
		n := rowsWritten.Int32
		run.RowsWritten = &n
	}
	if sourceHash.Valid {
		h := sourceHash.String
		run.SourceHash = &h
	}
	return run, nil
}
