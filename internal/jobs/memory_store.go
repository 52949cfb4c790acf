package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory catalog for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	proposals map[string][]*Proposal // by job ID
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		proposals: make(map[string][]*Proposal),
		now:       time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) AddProposal(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[p.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusOpen {
		return ErrJobNotOpen
	}
	for _, existing := range m.proposals[p.JobID] {
		if existing.DoerID == p.DoerID && existing.Status == ProposalSubmitted {
			return ErrDuplicateWorker
		}
	}
	cp := *p
	m.proposals[p.JobID] = append(m.proposals[p.JobID], &cp)
	return nil
}

func (m *MemoryStore) Proposals(_ context.Context, jobID string) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.proposals[jobID]
	out := make([]*Proposal, len(src))
	for i, p := range src {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) hasSubmitted(jobID string) bool {
	for _, p := range m.proposals[jobID] {
		if p.Status == ProposalSubmitted {
			return true
		}
	}
	return false
}

func (m *MemoryStore) list(limit int, match func(*Job) bool) []*Job {
	var out []*Job
	for _, j := range m.jobs {
		if match(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartDate.Equal(out[b].StartDate) {
			return out[a].StartDate.Before(out[b].StartDate)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListAwaitingSelection(_ context.Context, startBefore time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(limit, func(j *Job) bool {
		return j.Status == StatusOpen && !j.StartDate.After(startBefore) && m.hasSubmitted(j.ID)
	}), nil
}

func (m *MemoryStore) MarkWorkerSelected(_ context.Context, jobID, proposalID, doerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusOpen {
		return ErrJobNotOpen
	}
	j.Status = StatusWorkerSelected
	j.SelectedProposalID = proposalID
	j.SelectedDoerID = doerID
	j.UpdatedAt = m.now()
	for _, p := range m.proposals[jobID] {
		if p.ID == proposalID {
			p.Status = ProposalSelected
		}
	}
	return nil
}

func (m *MemoryStore) RevertSelection(_ context.Context, jobID, proposalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusWorkerSelected || j.SelectedProposalID != proposalID {
		return nil
	}
	j.Status = StatusOpen
	j.SelectedProposalID = ""
	j.SelectedDoerID = ""
	j.UpdatedAt = m.now()
	for _, p := range m.proposals[jobID] {
		if p.ID == proposalID {
			p.Status = ProposalSubmitted
		}
	}
	return nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(limit, func(j *Job) bool {
		return (j.Status == StatusOpen || j.Status == StatusWorkerSelected) && j.StartDate.Before(now)
	}), nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, jobID string) error {
	return m.transition(jobID, StatusExpired, StatusOpen, StatusWorkerSelected)
}

func (m *MemoryStore) MarkContracted(_ context.Context, jobID string) error {
	return m.transition(jobID, StatusContracted, StatusOpen, StatusWorkerSelected)
}

func (m *MemoryStore) ListFlexibleNearStart(_ context.Context, startBefore time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(limit, func(j *Job) bool {
		return j.Status == StatusOpen && j.IsFlexible() && !j.StartDate.After(startBefore) && !m.hasSubmitted(j.ID)
	}), nil
}

func (m *MemoryStore) MarkSuspended(_ context.Context, jobID string) error {
	return m.transition(jobID, StatusSuspended, StatusOpen)
}

func (m *MemoryStore) transition(jobID string, to Status, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			j.UpdatedAt = m.now()
			return nil
		}
	}
	return ErrJobNotOpen
}
