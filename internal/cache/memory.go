package cache

import (
	"bytes"
	"context"
	"sync"
)

// MemoryBackend keeps entries in process. Growth is unbounded.
type MemoryBackend struct {
	mu    sync.RWMutex
	data  map[string]Entry
	stale map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:  make(map[string]Entry),
		stale: make(map[string]Entry),
	}
}

func (m *MemoryBackend) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	return e, ok, nil
}

func (m *MemoryBackend) Save(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[entry.Key] = entry
	delete(m.stale, entry.Key)
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) LoadStale(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stale[key]
	return e, ok, nil
}

func (m *MemoryBackend) Evict(_ context.Context, entry Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[entry.Key]
	if !ok || !sameWrite(cur, entry) {
		return false, nil
	}
	delete(m.data, entry.Key)
	m.stale[entry.Key] = cur
	return true, nil
}

func sameWrite(a, b Entry) bool {
	return a.StoredAt.Equal(b.StoredAt) && bytes.Equal(a.Payload, b.Payload)
}

func (m *MemoryBackend) RemoveStale(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stale, key)
	return nil
}

// Len reports live (non-stale) entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
