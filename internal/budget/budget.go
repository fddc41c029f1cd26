// Package budget enforces the per-project spend ceiling and keeps the
// project's stage counters. All state lives in a counterstore.Store so the
// same code runs against in-process or shared counters.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/retry"
	"github.com/p-blackswan/stagecoord/pkg/counterstore"
)

// ProjectState is the budget and counter view of a project. StagesError is
// always derived from the other two counters.
type ProjectState struct {
	ProjectID       string  `json:"project_id"`
	BudgetRemaining float64 `json:"budget_remaining"`
	StagesPlanned   int64   `json:"stages_planned"`
	StagesExecuted  int64   `json:"stages_executed"`
	StagesSuccess   int64   `json:"stages_success"`
	StagesError     int64   `json:"stages_error"`
}

// Store is the project budget store.
type Store struct {
	counters      counterstore.Store
	defaultBudget float64
	casRetry      retry.Config
	logger        zerolog.Logger
}

// NewStore creates a budget store. Projects seen for the first time start at
// defaultBudget.
func NewStore(counters counterstore.Store, defaultBudget float64, logger zerolog.Logger) *Store {
	return &Store{
		counters:      counters,
		defaultBudget: defaultBudget,
		casRetry: retry.Config{
			MaxAttempts: 64,
			BaseDelay:   100 * time.Microsecond,
			MaxDelay:    20 * time.Millisecond,
			Jitter:      true,
		},
		logger: logger.With().Str("component", "budget").Logger(),
	}
}

func budgetKey(projectID string) string { return "budget:" + projectID }
func plannedKey(projectID string) string { return "stages_planned:" + projectID }
func successKey(projectID string) string { return "stages_success:" + projectID }
func errorKey(projectID string) string { return "stages_error:" + projectID }
func versionKey(projectID string) string { return "plan_version:" + projectID }

// InitProject sets the initial budget of a project that has none yet.
func (s *Store) InitProject(ctx context.Context, projectID string, initial float64) error {
	if _, err := s.counters.SetNX(ctx, budgetKey(projectID), initial); err != nil {
		return fmt.Errorf("init project budget: %w", err)
	}
	return nil
}

// Get returns the remaining budget, initialising unseen projects to the default.
func (s *Store) Get(ctx context.Context, projectID string) (float64, error) {
	v, err := s.counters.Get(ctx, budgetKey(projectID))
	if errors.Is(err, counterstore.ErrCounterNotFound) {
		if err := s.InitProject(ctx, projectID, s.defaultBudget); err != nil {
			return 0, err
		}
		v, err = s.counters.Get(ctx, budgetKey(projectID))
	}
	if err != nil {
		return 0, fmt.Errorf("get project budget: %w", err)
	}
	return v, nil
}

// Set overwrites the remaining budget.
func (s *Store) Set(ctx context.Context, projectID string, value float64) error {
	if err := s.counters.Set(ctx, budgetKey(projectID), value); err != nil {
		return fmt.Errorf("set project budget: %w", err)
	}
	return nil
}

// Decrement atomically subtracts amount and returns the new remaining budget.
// The stored value never goes below zero; an overdrawn project reads as 0 and
// fails the next admission check.
func (s *Store) Decrement(ctx context.Context, projectID string, amount float64) (float64, error) {
	if amount <= 0 {
		return s.Get(ctx, projectID)
	}
	return retry.DoValue(ctx, s.casRetry, func(ctx context.Context) (float64, error) {
		cur, err := s.Get(ctx, projectID)
		if err != nil {
			return 0, err
		}
		next := cur - amount
		if next < 0 {
			s.logger.Warn().
				Str("project_id", projectID).
				Float64("remaining", cur).
				Float64("amount", amount).
				Msg("budget overdrawn, flooring at zero")
			next = 0
		}
		swapped, err := s.counters.CompareAndSwap(ctx, budgetKey(projectID), cur, next)
		if err != nil {
			return 0, err
		}
		if !swapped {
			return 0, fmt.Errorf("decrement project budget: %w", perrors.ErrConflict)
		}
		return next, nil
	})
}

// NextPlanVersion returns lastVersion+1 for the project, starting at 1.
func (s *Store) NextPlanVersion(ctx context.Context, projectID string) (int64, error) {
	v, err := s.counters.IncrBy(ctx, versionKey(projectID), 1)
	if err != nil {
		return 0, fmt.Errorf("next plan version: %w", err)
	}
	return int64(v), nil
}

// MarkPlanned increments the project's planned-stage counter.
func (s *Store) MarkPlanned(ctx context.Context, projectID string) error {
	if _, err := s.counters.IncrBy(ctx, plannedKey(projectID), 1); err != nil {
		return fmt.Errorf("mark planned: %w", err)
	}
	return nil
}

// RecordExecuted counts one finalized execution and returns the new state.
// Each outcome has its own counter and the executed count is their sum, so a
// reader never sees an execution without its outcome.
func (s *Store) RecordExecuted(ctx context.Context, projectID string, success bool) (ProjectState, error) {
	key := errorKey(projectID)
	if success {
		key = successKey(projectID)
	}
	if _, err := s.counters.IncrBy(ctx, key, 1); err != nil {
		return ProjectState{}, fmt.Errorf("record executed: %w", err)
	}
	return s.State(ctx, projectID)
}

// State returns the current project state.
func (s *Store) State(ctx context.Context, projectID string) (ProjectState, error) {
	remaining, err := s.Get(ctx, projectID)
	if err != nil {
		return ProjectState{}, err
	}
	st := ProjectState{ProjectID: projectID, BudgetRemaining: remaining}
	for key, dst := range map[string]*int64{
		plannedKey(projectID): &st.StagesPlanned,
		successKey(projectID): &st.StagesSuccess,
		errorKey(projectID):   &st.StagesError,
	} {
		v, err := s.counters.Get(ctx, key)
		if errors.Is(err, counterstore.ErrCounterNotFound) {
			continue
		}
		if err != nil {
			return ProjectState{}, fmt.Errorf("read project counter: %w", err)
		}
		*dst = int64(v)
	}
	st.StagesExecuted = st.StagesSuccess + st.StagesError
	return st, nil
}
