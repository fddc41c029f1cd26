package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

// MemoryRepository keeps lifecycle rows in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{assets: make(map[string]*Asset)}
}

func (m *MemoryRepository) InsertAssetIfAbsent(_ context.Context, a Asset) (bool, error) {
	if a.Pinned {
		a.Ephemeral = false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.AssetID]; ok {
		return false, nil
	}
	m.assets[a.AssetID] = &a
	return true, nil
}

func (m *MemoryRepository) GetAsset(_ context.Context, assetID string) (Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[assetID]
	if !ok {
		return Asset{}, fmt.Errorf("asset %s: %w", assetID, perrors.ErrNotFound)
	}
	return *a, nil
}

func (m *MemoryRepository) PinAsset(_ context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %s: %w", assetID, perrors.ErrNotFound)
	}
	a.Pinned = true
	a.Ephemeral = false
	return nil
}

func (m *MemoryRepository) TouchAsset(_ context.Context, assetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %s: %w", assetID, perrors.ErrNotFound)
	}
	a.LastAccessedAt = at
	return nil
}

func (m *MemoryRepository) ListWarmAssets(_ context.Context) ([]Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Asset, 0, len(m.assets))
	for _, a := range m.assets {
		if !a.Cold {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) MarkAssetCold(_ context.Context, assetID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetID]
	if !ok {
		return false, fmt.Errorf("asset %s: %w", assetID, perrors.ErrNotFound)
	}
	if a.Cold || a.Pinned {
		return false, nil
	}
	a.Cold = true
	a.ColdTransitionAt = &at
	return true, nil
}
