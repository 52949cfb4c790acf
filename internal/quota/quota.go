// Package quota tracks per-user usage counters that reset on calendar-month
// boundaries: the membership's monthly contract allowance and referral
// discount uses.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/taskhold/internal/metrics"
)

var ErrLimitReached = errors.New("usage limit reached for this period")

// Kind names a counter.
type Kind string

const (
	KindContracts        Kind = "contracts"
	KindReferralDiscount Kind = "referral_discount"
)

// Counter is one user's usage of one kind in the current period.
type Counter struct {
	UserID      string    `json:"userId"`
	Kind        Kind      `json:"kind"`
	Used        int64     `json:"used"`
	PeriodStart time.Time `json:"periodStart"`
}

// Store persists counters. Consume must be atomic: it increments only when
// the counter is below limit (or belongs to an older period, in which case
// it restarts at 1).
type Store interface {
	Consume(ctx context.Context, userID string, kind Kind, limit int64, periodStart time.Time) error
	Release(ctx context.Context, userID string, kind Kind, periodStart time.Time) error
	List(ctx context.Context, userID string) ([]*Counter, error)
	ResetBefore(ctx context.Context, periodStart time.Time) (int64, error)
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Service applies per-kind limits.
type Service struct {
	store  Store
	limits map[Kind]int64
	now    func() time.Time
}

// NewService creates a quota service. Kinds without a limit are unlimited.
func NewService(store Store, limits map[Kind]int64) *Service {
	return &Service{store: store, limits: limits, now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Consume takes one unit of kind for userID.
func (s *Service) Consume(ctx context.Context, userID string, kind Kind) error {
	limit, ok := s.limits[kind]
	if !ok || limit <= 0 {
		return nil
	}
	err := s.store.Consume(ctx, userID, kind, limit, MonthStart(s.now()))
	if errors.Is(err, ErrLimitReached) {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(kind)).Inc()
	}
	return err
}

// Release gives back a unit taken by Consume when the guarded action failed.
func (s *Service) Release(ctx context.Context, userID string, kind Kind) error {
	if limit, ok := s.limits[kind]; !ok || limit <= 0 {
		return nil
	}
	return s.store.Release(ctx, userID, kind, MonthStart(s.now()))
}

// Usage lists a user's counters.
func (s *Service) Usage(ctx context.Context, userID string) ([]*Counter, error) {
	return s.store.List(ctx, userID)
}

// ResetPeriod zeroes every counter from a previous month. Safe to repeat.
func (s *Service) ResetPeriod(ctx context.Context) (int64, error) {
	return s.store.ResetBefore(ctx, MonthStart(s.now()))
}
