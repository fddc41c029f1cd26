package counterstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore keeps counters in a shared SQLite table. Every operation is a
// single statement, so it is atomic across processes sharing the database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the counters table if needed and returns a store on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS counters (
		key        TEXT PRIMARY KEY,
		value      REAL NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (CAST(unixepoch('subsec') * 1000 AS INTEGER))
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create counters table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCounterNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO counters (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set counter %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SetNX(ctx context.Context, key string, value float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO counters (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, key, value)
	if err != nil {
		return false, fmt.Errorf("failed to init counter %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) IncrBy(ctx context.Context, key string, delta float64) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO counters (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = counters.value + excluded.value, updated_at = excluded.updated_at
	RETURNING value`, key, delta).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, old, new float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE counters SET value = ?, updated_at = CAST(unixepoch('subsec') * 1000 AS INTEGER)
	WHERE key = ? AND value = ?`, new, key, old)
	if err != nil {
		return false, fmt.Errorf("failed to swap counter %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
