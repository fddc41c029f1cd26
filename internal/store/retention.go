package store

import (
	"context"
	"fmt"
	"time"
)

// Retention bounds how long derived rows are kept. Execution records, project
// state, asset rows and audit entries are never deleted here.
type Retention struct {
	IdempotentResponses time.Duration
}

// DefaultRetention keeps idempotent responses for a day.
func DefaultRetention() Retention {
	return Retention{IdempotentResponses: 24 * time.Hour}
}

// SetRetention replaces the policy used by PruneExpired.
func (s *Store) SetRetention(r Retention) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = r
}

// PruneExpired applies the configured retention policy.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	s.mu.RLock()
	r := s.retention
	s.mu.RUnlock()
	return s.RunRetention(ctx, r)
}

// RunRetention cleans up old data according to retention policies
func (s *Store) RunRetention(ctx context.Context, r Retention) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.IdempotentResponses <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-r.IdempotentResponses).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_responses WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old idempotent responses: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug().Int64("deleted", n).Msg("retention pass removed idempotent responses")
	}
	return n, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
