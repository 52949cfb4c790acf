package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory entry store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	byKey      map[string]*Entry
	byContract map[string][]*Entry
}

// NewMemoryStore creates a new in-memory entry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:      make(map[string]*Entry),
		byContract: make(map[string][]*Entry),
	}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[e.IdempotencyKey]; ok {
		return ErrDuplicateEntry
	}
	cp := *e
	m.byKey[e.IdempotencyKey] = &cp
	m.byContract[e.ContractID] = append(m.byContract[e.ContractID], &cp)
	return nil
}

func (m *MemoryStore) GetByKey(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byKey[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByContract(_ context.Context, contractID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.byContract[contractID]
	out := make([]*Entry, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
