package contracts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryStore) Create(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s already exists", c.ID)
	}
	m.contracts[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}
	if stored.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	m.contracts[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	return m.list(limit, func(c *Contract) bool {
		return c.IsParty(userID) && (status == "" || c.Status == status)
	}), nil
}

func (m *MemoryStore) ListByJob(_ context.Context, jobID string) ([]*Contract, error) {
	return m.list(0, func(c *Contract) bool { return c.JobID == jobID }), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Contract, error) {
	return m.list(limit, func(c *Contract) bool { return c.Status == status }), nil
}

func (m *MemoryStore) ListStartDue(_ context.Context, now time.Time, limit int) ([]*Contract, error) {
	return m.list(limit, func(c *Contract) bool {
		return c.Status == StatusAccepted && !c.StartDate.After(now)
	}), nil
}

func (m *MemoryStore) ListAutoConfirmDue(_ context.Context, cutoff time.Time, afterID string, limit int) ([]*Contract, error) {
	return m.listByID(afterID, limit, func(c *Contract) bool {
		at := c.AutoConfirmAt(0)
		return at != nil && !at.After(cutoff)
	}), nil
}

func (m *MemoryStore) ListReminderDue(_ context.Context, now time.Time, offsets []time.Duration, afterID string, limit int) ([]*Contract, error) {
	return m.listByID(afterID, limit, func(c *Contract) bool {
		return c.Status == StatusInProgress && !c.BothConfirmed() &&
			c.ReminderStep(now, offsets) > c.RemindersSent
	}), nil
}

// listByID returns matching contracts with an ID greater than afterID, in
// ID order.
func (m *MemoryStore) listByID(afterID string, limit int, match func(*Contract) bool) []*Contract {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Contract
	for _, c := range m.contracts {
		if c.ID > afterID && match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// list returns matching contracts oldest first. limit <= 0 means no limit.
func (m *MemoryStore) list(limit int, match func(*Contract) bool) []*Contract {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Contract
	for _, c := range m.contracts {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
