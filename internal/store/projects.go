package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/p-blackswan/stagecoord/internal/budget"
	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

// UpsertProjectState writes the latest budget and counter snapshot of a project.
// A snapshot with fewer executed stages than the stored one is older and is
// ignored.
func (s *Store) UpsertProjectState(ctx context.Context, st budget.ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO project_state (
		project_id, budget_remaining, stages_planned, stages_executed,
		stages_success, stages_error, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id) DO UPDATE SET
		budget_remaining = excluded.budget_remaining,
		stages_planned = excluded.stages_planned,
		stages_executed = excluded.stages_executed,
		stages_success = excluded.stages_success,
		stages_error = excluded.stages_error,
		updated_at = excluded.updated_at
	WHERE excluded.stages_executed >= project_state.stages_executed`,
		st.ProjectID, st.BudgetRemaining, st.StagesPlanned, st.StagesExecuted,
		st.StagesSuccess, st.StagesError, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", st.ProjectID, classify(err))
	}
	return nil
}

// GetProjectState returns the last persisted snapshot of a project.
func (s *Store) GetProjectState(ctx context.Context, projectID string) (budget.ProjectState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := budget.ProjectState{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
	SELECT budget_remaining, stages_planned, stages_executed, stages_success, stages_error
	FROM project_state WHERE project_id = ?`, projectID,
	).Scan(&st.BudgetRemaining, &st.StagesPlanned, &st.StagesExecuted, &st.StagesSuccess, &st.StagesError)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.ProjectState{}, fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	if err != nil {
		return budget.ProjectState{}, fmt.Errorf("failed to get project state: %w", err)
	}
	return st, nil
}
