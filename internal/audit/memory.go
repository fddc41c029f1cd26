package audit

import (
	"context"
	"fmt"
	"sync"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (m *MemoryStore) LastAuditEntry(_ context.Context, kind string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.entries[kind]
	if len(list) == 0 {
		return nil, nil
	}
	last := list[len(list)-1]
	return &last, nil
}

func (m *MemoryStore) InsertAuditEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[e.Kind]
	if e.ChainIndex != int64(len(list)) {
		return fmt.Errorf("%s chain index %d: %w", e.Kind, e.ChainIndex, perrors.ErrConflict)
	}
	m.entries[e.Kind] = append(list, e)
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, kind string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries[kind]))
	copy(out, m.entries[kind])
	return out, nil
}
