package options

import (
	"context"
	"sync"
)

// MemoryBackend keeps options in process; used by the terminal client and tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, owner, field string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[owner][field]
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, owner, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[owner] == nil {
		m.values[owner] = make(map[string][]byte)
	}
	m.values[owner][field] = append([]byte(nil), value...)
	return nil
}
