// Package audit keeps append-only, hash-linked logs partitioned by kind.
//
// Each entry stores the canonical JSON of its payload and that payload's
// sha256. prevHash points at the previous entry's payloadHash in the same kind,
// or Genesis for the first entry. chainIndex counts from 0 without gaps.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/retry"
)

const (
	// Genesis is the prevHash of the first entry in every chain.
	Genesis = "GENESIS"

	// KindExecutionModeration records stage execution outcomes.
	KindExecutionModeration = "execution_moderation"

	// RefTypeStageExecution marks entries that reference an execution record.
	RefTypeStageExecution = "stage_execution"
)

// Entry is one link in a chain.
type Entry struct {
	Kind        string    `json:"kind"`
	RefType     string    `json:"ref_type"`
	RefID       string    `json:"ref_id"`
	PayloadJSON string    `json:"payload_json"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	ChainIndex  int64     `json:"chain_index"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists entries. Insert must fail with an error wrapping
// errors.ErrConflict when (kind, chainIndex) already exists.
type Store interface {
	LastAuditEntry(ctx context.Context, kind string) (*Entry, error)
	InsertAuditEntry(ctx context.Context, e Entry) error
	ListAuditEntries(ctx context.Context, kind string) ([]Entry, error)
}

// Report is the outcome of walking a chain.
type Report struct {
	Kind     string `json:"kind"`
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt *int64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Chain appends to and verifies audit chains. Appends for one kind are
// serialized in-process; a collision with another process is retried against
// the new chain head.
type Chain struct {
	store  Store
	locks  sync.Map // kind -> *sync.Mutex
	retry  retry.Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewChain creates a chain over store.
func NewChain(store Store, logger zerolog.Logger) *Chain {
	return &Chain{
		store:  store,
		retry:  retry.Config{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond, Jitter: true},
		now:    time.Now,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

func (c *Chain) lock(kind string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(kind, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append adds payload to the chain for kind and returns the stored entry.
func (c *Chain) Append(ctx context.Context, kind, refType, refID string, payload any) (Entry, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit payload: %w", err)
	}
	hash := Hash(canonical)

	mu := c.lock(kind)
	mu.Lock()
	defer mu.Unlock()

	entry, err := retry.DoValue(ctx, c.retry, func(ctx context.Context) (Entry, error) {
		last, err := c.store.LastAuditEntry(ctx, kind)
		if err != nil {
			return Entry{}, err
		}
		e := Entry{
			Kind:        kind,
			RefType:     refType,
			RefID:       refID,
			PayloadJSON: string(canonical),
			PayloadHash: hash,
			PrevHash:    Genesis,
			ChainIndex:  0,
			CreatedAt:   c.now().UTC(),
		}
		if last != nil {
			e.PrevHash = last.PayloadHash
			e.ChainIndex = last.ChainIndex + 1
		}
		if err := c.store.InsertAuditEntry(ctx, e); err != nil {
			if errors.Is(err, perrors.ErrConflict) {
				c.logger.Debug().Str("kind", kind).Int64("chain_index", e.ChainIndex).Msg("chain index taken, retrying")
			}
			return Entry{}, err
		}
		return e, nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append %s entry: %w", kind, err)
	}

	c.logger.Debug().
		Str("kind", kind).
		Str("ref_id", refID).
		Int64("chain_index", entry.ChainIndex).
		Msg("audit entry appended")
	return entry, nil
}

// Verify walks the chain for kind recomputing every hash and link.
func (c *Chain) Verify(ctx context.Context, kind string) (Report, error) {
	entries, err := c.store.ListAuditEntries(ctx, kind)
	if err != nil {
		return Report{}, fmt.Errorf("list %s entries: %w", kind, err)
	}
	report := VerifyEntries(entries)
	report.Kind = kind
	if !report.Valid {
		c.logger.Warn().Str("kind", kind).Int64("broken_at", *report.BrokenAt).Str("reason", report.Reason).Msg("audit chain broken")
	}
	return report, nil
}

// VerifyEntries checks entries ordered by chainIndex.
func VerifyEntries(entries []Entry) Report {
	r := Report{Entries: len(entries), Valid: true}
	fail := func(i int64, format string, args ...any) Report {
		r.Valid = false
		r.BrokenAt = &i
		r.Reason = fmt.Sprintf(format, args...)
		return r
	}

	expectedPrev := Genesis
	for i, e := range entries {
		idx := int64(i)
		if e.ChainIndex != idx {
			return fail(idx, "chain index gap: expected %d, got %d", idx, e.ChainIndex)
		}
		if e.PrevHash != expectedPrev {
			return fail(idx, "prev hash mismatch: expected %s, got %s", short(expectedPrev), short(e.PrevHash))
		}
		if computed := Hash([]byte(e.PayloadJSON)); computed != e.PayloadHash {
			return fail(idx, "payload hash mismatch: expected %s, got %s", short(computed), short(e.PayloadHash))
		}
		expectedPrev = e.PayloadHash
	}
	return r
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
