package identity

import (
	"context"
	"sync"
)

// MemoryStore keeps the identity for the lifetime of the process only.
type MemoryStore struct {
	mu       sync.Mutex
	identity string
	ok       bool
	saves    []string
}

// NewMemoryStore returns a store preloaded with initial, if non-empty.
func NewMemoryStore(initial string) *MemoryStore {
	return &MemoryStore{identity: initial, ok: initial != ""}
}

func (m *MemoryStore) Load(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.ok, nil
}

func (m *MemoryStore) Save(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
	m.ok = true
	m.saves = append(m.saves, identity)
	return nil
}

// Saves lists every identity passed to Save, oldest first.
func (m *MemoryStore) Saves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.saves))
	copy(out, m.saves)
	return out
}
