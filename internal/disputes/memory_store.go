package disputes

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	disputes   map[string]*Dispute
	byContract map[string]string // contract ID -> dispute ID
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:   make(map[string]*Dispute),
		byContract: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byContract[d.ContractID]; ok {
		return ErrDisputeExists
	}
	m.disputes[d.ID] = d.Clone()
	m.byContract[d.ContractID] = d.ID
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	delete(m.byContract, d.ContractID)
	delete(m.disputes, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetByContract(ctx context.Context, contractID string) (*Dispute, error) {
	m.mu.RLock()
	id, ok := m.byContract[contractID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return m.Get(ctx, id)
}

// Update replaces the mutable fields. Evidence and messages are only ever
// added through the Append methods, so the stored slices are kept.
func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	cp := d.Clone()
	cp.Evidence = stored.Evidence
	cp.Messages = stored.Messages
	m.disputes[d.ID] = cp
	return nil
}

func (m *MemoryStore) AppendEvidence(_ context.Context, id string, ev Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if !d.Status.AcceptsInput() {
		return ErrDisputeClosed
	}
	d.Evidence = append(d.Evidence, ev)
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, id string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if !d.Status.AcceptsInput() {
		return ErrDisputeClosed
	}
	d.Messages = append(d.Messages, msg)
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
