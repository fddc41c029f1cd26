package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/p-blackswan/stagecoord/internal/audit"
)

const auditColumns = `kind, ref_type, ref_id, payload, payload_hash, prev_hash, chain_index, created_at`

// LastAuditEntry returns the head of a chain, or nil when the chain is empty.
func (s *Store) LastAuditEntry(ctx context.Context, kind string) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT `+auditColumns+` FROM audit_entries
	WHERE kind = ? ORDER BY chain_index DESC LIMIT 1`, kind)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	return &e, nil
}

// InsertAuditEntry appends an entry. A second writer racing for the same
// (kind, chain_index) gets an error wrapping errors.ErrConflict.
func (s *Store) InsertAuditEntry(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO audit_entries (`+auditColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.RefType, e.RefID, e.PayloadJSON, e.PayloadHash, e.PrevHash,
		e.ChainIndex, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s/%d: %w", e.Kind, e.ChainIndex, classify(err))
	}
	return nil
}

// ListAuditEntries returns a whole chain in index order.
func (s *Store) ListAuditEntries(ctx context.Context, kind string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT `+auditColumns+` FROM audit_entries
	WHERE kind = ? ORDER BY chain_index`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(r rowScanner) (audit.Entry, error) {
	var (
		e       audit.Entry
		created int64
	)
	if err := r.Scan(&e.Kind, &e.RefType, &e.RefID, &e.PayloadJSON, &e.PayloadHash, &e.PrevHash, &e.ChainIndex, &created); err != nil {
		return audit.Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}
