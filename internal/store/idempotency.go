package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIdempotentResponse returns the stored response for key, if any.
func (s *Store) GetIdempotentResponse(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var resp []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_responses WHERE idem_key = ?`, key,
	).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	return resp, true, nil
}

// SaveIdempotentResponse stores resp under key unless a response is already
// there. The stored bytes are returned so every caller replays the same
// response.
func (s *Store) SaveIdempotentResponse(ctx context.Context, key string, resp []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO idempotency_responses (idem_key, response, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(idem_key) DO NOTHING`, key, resp, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to save idempotent response: %w", classify(err))
	}

	var stored []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_responses WHERE idem_key = ?`, key,
	).Scan(&stored); err != nil {
		return nil, fmt.Errorf("failed to read idempotent response: %w", err)
	}
	return stored, nil
}
