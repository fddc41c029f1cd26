package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

// SaveExecution appends a terminal execution record. The full record is kept
// as JSON next to the columns used for filtering.
func (s *Store) SaveExecution(ctx context.Context, rec stage.StageExecutionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", rec.ExecutionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	errStr := sql.NullString{String: rec.ErrorString(), Valid: rec.Error != nil}
	jobID := sql.NullString{String: rec.ReservationJobID, Valid: rec.ReservationJobID != ""}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO execution_records (
		execution_id, project_id, user_id, stage_type, success, provider_used,
		fallback_used, cost_actual, error, reservation_job_id, record, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.Plan.ProjectID, rec.UserID, string(rec.Plan.StageType),
		boolInt(rec.Success), string(rec.ProviderUsed), boolInt(rec.FallbackUsed),
		rec.CostActual, errStr, jobID, string(raw),
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", rec.ExecutionID, classify(err))
	}
	return nil
}

// GetExecution loads one execution record.
func (s *Store) GetExecution(ctx context.Context, executionID string) (stage.StageExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM execution_records WHERE execution_id = ?`, executionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return stage.StageExecutionRecord{}, fmt.Errorf("execution %s: %w", executionID, perrors.ErrNotFound)
	}
	if err != nil {
		return stage.StageExecutionRecord{}, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeRecord(raw)
}

// RecentExecutions returns up to limit records for a project, newest first.
func (s *Store) RecentExecutions(ctx context.Context, projectID string, limit int) ([]stage.StageExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT record FROM execution_records
	WHERE project_id = ?
	ORDER BY finished_at DESC, rowid DESC
	LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []stage.StageExecutionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountExecutions returns how many records a project has.
func (s *Store) CountExecutions(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_records WHERE project_id = ?`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

func decodeRecord(raw string) (stage.StageExecutionRecord, error) {
	var rec stage.StageExecutionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return stage.StageExecutionRecord{}, fmt.Errorf("failed to decode execution: %w", err)
	}
	return rec, nil
}
