package counterstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process counter store. It is only atomic within one
// process.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]float64
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]float64)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return 0, ErrCounterNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] += delta
	return m.values[key], nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, old, new float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != old {
		return false, nil
	}
	m.values[key] = new
	return true, nil
}
