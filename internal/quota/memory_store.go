package quota

import (
	"context"
	"sync"
	"time"
)

type counterKey struct {
	userID string
	kind   Kind
}

// MemoryStore is an in-memory counter store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]*Counter
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]*Counter)}
}

func (m *MemoryStore) Consume(_ context.Context, userID string, kind Kind, limit int64, periodStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := counterKey{userID, kind}
	c, ok := m.counters[k]
	if !ok {
		c = &Counter{UserID: userID, Kind: kind, PeriodStart: periodStart}
		m.counters[k] = c
	}
	if c.PeriodStart.Before(periodStart) {
		c.Used = 0
		c.PeriodStart = periodStart
	}
	if c.Used >= limit {
		return ErrLimitReached
	}
	c.Used++
	return nil
}

func (m *MemoryStore) Release(_ context.Context, userID string, kind Kind, periodStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[counterKey{userID, kind}]
	if ok && c.Used > 0 && !c.PeriodStart.Before(periodStart) {
		c.Used--
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]*Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Counter
	for k, c := range m.counters {
		if k.userID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ResetBefore(_ context.Context, periodStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, c := range m.counters {
		if c.PeriodStart.Before(periodStart) {
			c.Used = 0
			c.PeriodStart = periodStart
			n++
		}
	}
	return n, nil
}
