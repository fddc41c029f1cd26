package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS user_credits (
	user_id    TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_reservations (
	job_id      TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	amount      INTEGER NOT NULL CHECK (amount > 0),
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	ttl_ms      INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_reservations_user_status ON credit_reservations(user_id, status);
CREATE INDEX IF NOT EXISTS idx_reservations_status_created ON credit_reservations(status, created_at);
`

// SQLite is a ledger shared by every process that opens the same database.
// Each mutation runs in one transaction; open the database with
// _txlock=immediate so the write lock is taken before totals are read.
type SQLite struct {
	db     *sql.DB
	cfg    Config
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewSQLite creates the ledger tables if needed and returns a ledger on db.
func NewSQLite(db *sql.DB, cfg Config, logger zerolog.Logger) (*SQLite, error) {
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}
	return &SQLite{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "ledger").Str("backend", "sqlite").Logger(),
	}, nil
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger tx: %w", err)
	}
	return nil
}

func (s *SQLite) ensureAccount(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	now := s.cfg.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_credits (user_id, balance, updated_at) VALUES (?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, s.cfg.DefaultBalance, now); err != nil {
		return 0, fmt.Errorf("failed to init account %s: %w", userID, err)
	}
	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM user_credits WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to read balance %s: %w", userID, err)
	}
	return balance, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) totals(ctx context.Context, q queryer, userID string) (reserved, active, committedToday int, err error) {
	dayStart := startOfDay(s.cfg.Now()).UnixMilli()
	err = q.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN status = 'reserved' THEN amount END), 0),
		COUNT(CASE WHEN status = 'reserved' THEN 1 END),
		COALESCE(SUM(CASE WHEN status = 'committed' AND finished_at >= ? THEN amount END), 0)
	FROM credit_reservations WHERE user_id = ?`, dayStart, userID).Scan(&reserved, &active, &committedToday)
	if err != nil {
		err = fmt.Errorf("failed to read reservation totals %s: %w", userID, err)
	}
	return
}

func (s *SQLite) Reserve(ctx context.Context, userID, jobID string, amount int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM credit_reservations WHERE job_id = ?`, jobID).Scan(&exists)
		if err == nil {
			return perrors.Reservation(perrors.CodeDuplicateJob, "job "+jobID+" already has a reservation")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check job %s: %w", jobID, err)
		}

		balance, err := s.ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		reserved, active, committedToday, err := s.totals(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := admit(s.cfg, balance, reserved, committedToday, active, amount); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (job_id, user_id, amount, status, created_at, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
			jobID, userID, amount, StatusReserved, s.cfg.Now().UnixMilli(), s.cfg.TTL.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert reservation %s: %w", jobID, err)
		}
		s.logger.Debug().Str("user_id", userID).Str("job_id", jobID).Int("amount", amount).Msg("credit reserved")
		return nil
	})
}

func (s *SQLite) load(ctx context.Context, q queryer, userID, jobID string) (Reservation, error) {
	var (
		r        Reservation
		created  int64
		ttlMs    int64
		finished sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
	SELECT user_id, job_id, amount, status, created_at, ttl_ms, finished_at
	FROM credit_reservations WHERE job_id = ?`, jobID).
		Scan(&r.UserID, &r.JobID, &r.Amount, &r.Status, &created, &ttlMs, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, notFound(jobID)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to load reservation %s: %w", jobID, err)
	}
	if userID != "" && r.UserID != userID {
		return Reservation{}, notFound(jobID)
	}
	r.CreatedAt = time.UnixMilli(created)
	r.TTL = time.Duration(ttlMs) * time.Millisecond
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *SQLite) setStatus(ctx context.Context, tx *sql.Tx, jobID string, to Status) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE credit_reservations SET status = ?, finished_at = ? WHERE job_id = ? AND status = ?`,
		to, s.cfg.Now().UnixMilli(), jobID, StatusReserved)
	if err != nil {
		return fmt.Errorf("failed to mark reservation %s %s: %w", jobID, to, err)
	}
	return nil
}

func (s *SQLite) Commit(ctx context.Context, userID, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, userID, jobID)
		if err != nil {
			return err
		}
		if r.Status == StatusCommitted {
			return nil
		}
		if !r.Status.canTransition(StatusCommitted) {
			return transitionError(jobID, r.Status, StatusCommitted)
		}
		if err := s.setStatus(ctx, tx, jobID, StatusCommitted); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE user_credits SET balance = balance - ?, updated_at = ? WHERE user_id = ?`,
			r.Amount, s.cfg.Now().UnixMilli(), userID)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", userID, err)
		}
		return nil
	})
}

func (s *SQLite) Rollback(ctx context.Context, userID, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, userID, jobID)
		if err != nil {
			return err
		}
		if r.Status == StatusRolledBack || r.Status == StatusExpired {
			return nil
		}
		if !r.Status.canTransition(StatusRolledBack) {
			return transitionError(jobID, r.Status, StatusRolledBack)
		}
		return s.setStatus(ctx, tx, jobID, StatusRolledBack)
	})
}

func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
	UPDATE credit_reservations SET status = ?, finished_at = ?
	WHERE status = ? AND created_at + ttl_ms <= ?`,
		StatusExpired, now, StatusReserved, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reservations: %w", err)
	}
	n, _ := res.RowsAffected()

	cutoff := now - terminalRetention.Milliseconds()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credit_reservations WHERE status IN (?, ?, ?) AND finished_at < ?`,
		StatusCommitted, StatusRolledBack, StatusExpired, cutoff); err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune finished reservations")
	}

	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("expired stale reservations")
	}
	return int(n), nil
}

func (s *SQLite) ActiveReservationCount(ctx context.Context, userID string) (int, error) {
	_, active, _, err := s.totals(ctx, s.db, userID)
	return active, err
}

func (s *SQLite) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	balance := s.cfg.DefaultBalance
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM user_credits WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("failed to read balance %s: %w", userID, err)
	}
	reserved, active, committedToday, err := s.totals(ctx, s.db, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		UserID:             userID,
		Balance:            balance,
		Reserved:           reserved,
		CommittedToday:     committedToday,
		Available:          balance - reserved,
		ActiveReservations: active,
	}, nil
}

func (s *SQLite) TotalActiveReservations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_reservations WHERE status = ?`, StatusReserved).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count reservations: %w", err)
	}
	return n, nil
}

func (s *SQLite) Get(ctx context.Context, jobID string) (Reservation, error) {
	return s.load(ctx, s.db, "", jobID)
}

func (s *SQLite) Grant(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount %d: %w", amount, perrors.ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE user_credits SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
			amount, s.cfg.Now().UnixMilli(), userID)
		if err != nil {
			return fmt.Errorf("failed to credit %s: %w", userID, err)
		}
		return nil
	})
}
