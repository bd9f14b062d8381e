package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateRefreshRun records the start of a refresh cycle.
func (s *SQLiteStore) CreateRefreshRun(ctx context.Context, run *RefreshRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}

	query := `
		INSERT INTO refresh_runs (id, connection_id, status, phase, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.ConnectionID, run.Status, run.Phase, run.StartedAt); err != nil {
		return fmt.Errorf("failed to create refresh run: %w", err)
	}
	return nil
}

// CompleteRefreshRun records the final status, phase, error and summary of
// a run.
func (s *SQLiteStore) CompleteRefreshRun(ctx context.Context, run *RefreshRun) error {
	now := s.now()
	run.CompletedAt = &now

	query := `
		UPDATE refresh_runs
		SET status = ?, phase = ?, error = ?, created = ?, updated = ?, deleted = ?, unchanged = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.Phase,
		run.Error,
		run.Summary.Created,
		run.Summary.Updated,
		run.Summary.Deleted,
		run.Summary.Unchanged,
		now,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete refresh run: %w", err)
	}
	return requireAffected(result, "refresh run", run.ID)
}

// ListRefreshRuns returns the most recent runs of a connection, newest
// first. A non-positive limit returns all runs.
func (s *SQLiteStore) ListRefreshRuns(ctx context.Context, connectionID string, limit int) ([]*RefreshRun, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, connection_id, status, phase, error, created, updated, deleted, unchanged, started_at, completed_at
		FROM refresh_runs
		WHERE connection_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh runs: %w", err)
	}
	defer rows.Close()

	runs := []*RefreshRun{}
	for rows.Next() {
		run := &RefreshRun{}
		var errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&run.ID,
			&run.ConnectionID,
			&run.Status,
			&run.Phase,
			&errMsg,
			&run.Summary.Created,
			&run.Summary.Updated,
			&run.Summary.Deleted,
			&run.Summary.Unchanged,
			&run.StartedAt,
			&completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan refresh run: %w", err)
		}
		run.Error = nullString(&errMsg)
		run.CompletedAt = nullTime(&completedAt)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refresh runs: %w", err)
	}
	return runs, nil
}
