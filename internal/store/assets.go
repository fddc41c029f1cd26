package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/lifecycle"
)

const assetColumns = `asset_id, execution_id, pinned, ephemeral, cold, created_at, last_accessed_at, cold_transition_at`

// InsertAssetIfAbsent stores a new lifecycle row unless the asset is known.
func (s *Store) InsertAssetIfAbsent(ctx context.Context, a lifecycle.Asset) (bool, error) {
	if a.Pinned {
		a.Ephemeral = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO asset_lifecycle (`+assetColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(asset_id) DO NOTHING`,
		a.AssetID, a.ExecutionID, boolInt(a.Pinned), boolInt(a.Ephemeral), boolInt(a.Cold),
		a.CreatedAt.UnixMilli(), a.LastAccessedAt.UnixMilli(), nullTime(a.ColdTransitionAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert asset %s: %w", a.AssetID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert asset %s: %w", a.AssetID, err)
	}
	return n == 1, nil
}

// GetAsset loads one lifecycle row.
func (s *Store) GetAsset(ctx context.Context, assetID string) (lifecycle.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM asset_lifecycle WHERE asset_id = ?`, assetID)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Asset{}, fmt.Errorf("asset %s: %w", assetID, perrors.ErrNotFound)
	}
	if err != nil {
		return lifecycle.Asset{}, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// PinAsset sets pinned and clears ephemeral in one statement.
func (s *Store) PinAsset(ctx context.Context, assetID string) error {
	return s.updateAsset(ctx, assetID, `UPDATE asset_lifecycle SET pinned = 1, ephemeral = 0 WHERE asset_id = ?`, assetID)
}

// TouchAsset records an access.
func (s *Store) TouchAsset(ctx context.Context, assetID string, at time.Time) error {
	return s.updateAsset(ctx, assetID, `UPDATE asset_lifecycle SET last_accessed_at = ? WHERE asset_id = ?`, at.UnixMilli(), assetID)
}

func (s *Store) updateAsset(ctx context.Context, assetID, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update asset %s: %w", assetID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update asset %s: %w", assetID, err)
	}
	if n == 0 {
		return fmt.Errorf("asset %s: %w", assetID, perrors.ErrNotFound)
	}
	return nil
}

// ListWarmAssets returns every asset that is not cold, oldest first.
func (s *Store) ListWarmAssets(ctx context.Context) ([]lifecycle.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM asset_lifecycle WHERE cold = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAssetCold flips a warm, unpinned asset to cold. Cold is write-once.
func (s *Store) MarkAssetCold(ctx context.Context, assetID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
	UPDATE asset_lifecycle SET cold = 1, cold_transition_at = ?
	WHERE asset_id = ? AND cold = 0 AND pinned = 0`, at.UnixMilli(), assetID)
	if err != nil {
		return false, fmt.Errorf("failed to mark asset %s cold: %w", assetID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(r rowScanner) (lifecycle.Asset, error) {
	var (
		a                       lifecycle.Asset
		pinned, ephemeral, cold int
		created, accessed       int64
		coldAt                  sql.NullInt64
	)
	if err := r.Scan(&a.AssetID, &a.ExecutionID, &pinned, &ephemeral, &cold, &created, &accessed, &coldAt); err != nil {
		return lifecycle.Asset{}, err
	}
	a.Pinned = pinned == 1
	a.Ephemeral = ephemeral == 1
	a.Cold = cold == 1
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.LastAccessedAt = time.UnixMilli(accessed).UTC()
	if coldAt.Valid {
		t := time.UnixMilli(coldAt.Int64).UTC()
		a.ColdTransitionAt = &t
	}
	return a, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
