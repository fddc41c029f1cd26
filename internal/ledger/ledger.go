// Package ledger implements the per-user credit reservation ledger.
//
// A reservation is created by Reserve and terminated exactly once by Commit,
// Rollback or expiry. Amounts are integer credit units; the daily limit and the
// balance use the same unit.
package ledger

import (
	"context"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusReserved   Status = "reserved"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolledback"
	StatusExpired    Status = "expired"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusReserved: {
		StatusCommitted:  {},
		StatusRolledBack: {},
		StatusExpired:    {},
	},
}

// Active reports whether the reservation still holds credit.
func (s Status) Active() bool { return s == StatusReserved }

func (s Status) canTransition(to Status) bool {
	_, ok := allowedTransitions[s][to]
	return ok
}

// Reservation is a hold on a user's credit pending a stage outcome.
type Reservation struct {
	UserID     string        `json:"user_id"`
	JobID      string        `json:"job_id"`
	Amount     int           `json:"amount"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Expired reports whether the reservation has outlived its TTL at now.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status.Active() && !now.Before(r.CreatedAt.Add(r.TTL))
}

// Snapshot is a point-in-time view of a user's credit.
type Snapshot struct {
	UserID             string `json:"user_id"`
	Balance            int    `json:"balance"`
	Reserved           int    `json:"reserved"`
	CommittedToday     int    `json:"committed_today"`
	Available          int    `json:"available"`
	ActiveReservations int    `json:"active_reservations"`
}

// Ledger is the credit reservation contract used by the executor.
type Ledger interface {
	// Reserve places a hold of amount on the user's credit under jobID.
	Reserve(ctx context.Context, userID, jobID string, amount int) error
	// Commit finalises a reservation. Committing twice is a no-op.
	Commit(ctx context.Context, userID, jobID string) error
	// Rollback releases a reservation. Rolling back twice, or rolling back an
	// expired reservation, is a no-op.
	Rollback(ctx context.Context, userID, jobID string) error
	// CleanupExpired expires every active reservation past its TTL.
	CleanupExpired(ctx context.Context) (int, error)
	ActiveReservationCount(ctx context.Context, userID string) (int, error)
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
	TotalActiveReservations(ctx context.Context) (int, error)
	// Get returns a reservation by job ID.
	Get(ctx context.Context, jobID string) (Reservation, error)
	// Grant adds credit to a user's balance.
	Grant(ctx context.Context, userID string, amount int) error
}

// Config holds ledger limits.
type Config struct {
	DefaultBalance int           // starting balance for unseen users
	DailyLimit     int           // committed+reserved per UTC day; 0 disables
	MaxActive      int           // simultaneous active reservations per user; 0 disables
	TTL            time.Duration // reservation lifetime before expiry
	Now            func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBalance: 1000,
		DailyLimit:     1000,
		MaxActive:      2,
		TTL:            15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// admit applies the reservation limits to a user's current totals.
func admit(cfg Config, balance, reserved, committedToday, active, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount %d: %w", amount, perrors.ErrInvalidInput)
	}
	if cfg.MaxActive > 0 && active >= cfg.MaxActive {
		return perrors.Reservation(perrors.CodeSimultaneousJobLimit,
			fmt.Sprintf("%d active reservations (limit %d)", active, cfg.MaxActive))
	}
	if cfg.DailyLimit > 0 && committedToday+reserved+amount > cfg.DailyLimit {
		return perrors.Reservation(perrors.CodeDailyLimitExceeded,
			fmt.Sprintf("daily spend %d+%d would exceed %d", committedToday+reserved, amount, cfg.DailyLimit))
	}
	if amount > balance-reserved {
		return perrors.Reservation(perrors.CodeInsufficientCredits,
			fmt.Sprintf("need %d, available %d", amount, balance-reserved))
	}
	return nil
}

func transitionError(jobID string, from, to Status) error {
	return fmt.Errorf("reservation %s %s -> %s: %w", jobID, from, to, perrors.ErrInvalidTransition)
}

func notFound(jobID string) error {
	return fmt.Errorf("reservation %s: %w", jobID, perrors.ErrNotFound)
}
