package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

// terminalRetention bounds how long finished reservations stay queryable. It
// is at least a day so committed rows still cover the daily total.
const terminalRetention = 24 * time.Hour

type account struct {
	mu             sync.Mutex
	balance        int
	reservations   map[string]*Reservation
	committedDay   time.Time
	committedToday int
}

func (a *account) totals(now time.Time) (reserved, active, committedToday int) {
	for _, r := range a.reservations {
		if r.Status.Active() {
			reserved += r.Amount
			active++
		}
	}
	if a.committedDay.Equal(startOfDay(now)) {
		committedToday = a.committedToday
	}
	return reserved, active, committedToday
}

// Memory is a single-process ledger. Each user's reservations are guarded by a
// per-user lock, so reservations for one user are linearizable and the
// simultaneous-job cap holds under concurrent Reserve calls.
type Memory struct {
	cfg      Config
	mu       sync.Mutex
	accounts map[string]*account
	jobs     sync.Map // jobID -> userID
	logger   zerolog.Logger
}

// NewMemory creates an in-memory ledger.
func NewMemory(cfg Config, logger zerolog.Logger) *Memory {
	return &Memory{
		cfg:      cfg.withDefaults(),
		accounts: make(map[string]*account),
		logger:   logger.With().Str("component", "ledger").Str("backend", "memory").Logger(),
	}
}

func (m *Memory) account(userID string) *account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		a = &account{balance: m.cfg.DefaultBalance, reservations: make(map[string]*Reservation)}
		m.accounts[userID] = a
	}
	return a
}

func (m *Memory) allAccounts() []*account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out
}

func (m *Memory) Reserve(_ context.Context, userID, jobID string, amount int) error {
	a := m.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, loaded := m.jobs.LoadOrStore(jobID, userID); loaded {
		return perrors.Reservation(perrors.CodeDuplicateJob, "job "+jobID+" already has a reservation")
	}

	now := m.cfg.Now()
	reserved, active, committedToday := a.totals(now)
	if err := admit(m.cfg, a.balance, reserved, committedToday, active, amount); err != nil {
		m.jobs.Delete(jobID)
		return err
	}

	a.reservations[jobID] = &Reservation{
		UserID:    userID,
		JobID:     jobID,
		Amount:    amount,
		Status:    StatusReserved,
		CreatedAt: now,
		TTL:       m.cfg.TTL,
	}
	m.logger.Debug().Str("user_id", userID).Str("job_id", jobID).Int("amount", amount).Msg("credit reserved")
	return nil
}

func (m *Memory) lookup(userID, jobID string) (*account, error) {
	owner, ok := m.jobs.Load(jobID)
	if !ok || owner.(string) != userID {
		return nil, notFound(jobID)
	}
	return m.account(userID), nil
}

func (m *Memory) Commit(_ context.Context, userID, jobID string) error {
	a, err := m.lookup(userID, jobID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservations[jobID]
	if !ok {
		return notFound(jobID)
	}
	if r.Status == StatusCommitted {
		return nil
	}
	if !r.Status.canTransition(StatusCommitted) {
		return transitionError(jobID, r.Status, StatusCommitted)
	}

	now := m.cfg.Now()
	r.Status = StatusCommitted
	r.FinishedAt = &now
	a.balance -= r.Amount
	if day := startOfDay(now); !a.committedDay.Equal(day) {
		a.committedDay = day
		a.committedToday = 0
	}
	a.committedToday += r.Amount
	return nil
}

func (m *Memory) Rollback(_ context.Context, userID, jobID string) error {
	a, err := m.lookup(userID, jobID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservations[jobID]
	if !ok {
		return notFound(jobID)
	}
	if r.Status == StatusRolledBack || r.Status == StatusExpired {
		return nil
	}
	if !r.Status.canTransition(StatusRolledBack) {
		return transitionError(jobID, r.Status, StatusRolledBack)
	}
	now := m.cfg.Now()
	r.Status = StatusRolledBack
	r.FinishedAt = &now
	return nil
}

func (m *Memory) CleanupExpired(_ context.Context) (int, error) {
	now := m.cfg.Now()
	count := 0
	for _, a := range m.allAccounts() {
		a.mu.Lock()
		for jobID, r := range a.reservations {
			switch {
			case r.Expired(now):
				finished := now
				r.Status = StatusExpired
				r.FinishedAt = &finished
				count++
			case !r.Status.Active() && r.FinishedAt != nil && now.Sub(*r.FinishedAt) > terminalRetention:
				delete(a.reservations, jobID)
				m.jobs.Delete(jobID)
			}
		}
		a.mu.Unlock()
	}
	if count > 0 {
		m.logger.Info().Int("count", count).Msg("expired stale reservations")
	}
	return count, nil
}

func (m *Memory) ActiveReservationCount(_ context.Context, userID string) (int, error) {
	a := m.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	_, active, _ := a.totals(m.cfg.Now())
	return active, nil
}

func (m *Memory) Snapshot(_ context.Context, userID string) (Snapshot, error) {
	a := m.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	reserved, active, committedToday := a.totals(m.cfg.Now())
	return Snapshot{
		UserID:             userID,
		Balance:            a.balance,
		Reserved:           reserved,
		CommittedToday:     committedToday,
		Available:          a.balance - reserved,
		ActiveReservations: active,
	}, nil
}

func (m *Memory) TotalActiveReservations(_ context.Context) (int, error) {
	now := m.cfg.Now()
	total := 0
	for _, a := range m.allAccounts() {
		a.mu.Lock()
		_, active, _ := a.totals(now)
		a.mu.Unlock()
		total += active
	}
	return total, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (Reservation, error) {
	owner, ok := m.jobs.Load(jobID)
	if !ok {
		return Reservation{}, notFound(jobID)
	}
	a := m.account(owner.(string))
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reservations[jobID]
	if !ok {
		return Reservation{}, notFound(jobID)
	}
	return *r, nil
}

func (m *Memory) Grant(_ context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount %d: %w", amount, perrors.ErrInvalidInput)
	}
	a := m.account(userID)
	a.mu.Lock()
	a.balance += amount
	a.mu.Unlock()
	return nil
}
