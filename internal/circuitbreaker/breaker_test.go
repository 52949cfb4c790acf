package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("gw")
	b.RecordFailure("gw")
	assert.True(t, b.Allow("gw"))

	b.RecordFailure("gw")
	assert.False(t, b.Allow("gw"))
	assert.Equal(t, StateOpen, b.State("gw"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("gw")
	assert.False(t, b.Allow("gw"))

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow("gw"), "probe should be admitted after openDuration")
	assert.Equal(t, StateHalfOpen, b.State("gw"))
	assert.False(t, b.Allow("gw"), "only one probe at a time")

	b.RecordSuccess("gw")
	assert.Equal(t, StateClosed, b.State("gw"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("gw")
	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow("gw"))
	b.RecordFailure("gw")
	assert.Equal(t, StateOpen, b.State("gw"))
}

func TestBreaker_Do(t *testing.T) {
	b := New(2, time.Minute)
	boom := errors.New("boom")
	benign := errors.New("declined")
	onlyBoom := func(err error) bool { return errors.Is(err, boom) }

	assert.ErrorIs(t, b.Do("gw", onlyBoom, func() error { return benign }), benign)
	assert.ErrorIs(t, b.Do("gw", onlyBoom, func() error { return benign }), benign)
	assert.Equal(t, StateClosed, b.State("gw"), "non-failure errors do not trip")

	_ = b.Do("gw", onlyBoom, func() error { return boom })
	_ = b.Do("gw", onlyBoom, func() error { return boom })
	assert.ErrorIs(t, b.Do("gw", onlyBoom, func() error { return nil }), ErrOpen)
}

func TestBreaker_KeysIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_Snapshot(t *testing.T) {
	b := New(2, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	assert.Equal(t, Snapshot{Key: "gw", State: "closed"}, b.Snapshot("gw"))

	b.RecordFailure("gw")
	b.RecordFailure("gw")
	snap := b.Snapshot("gw")
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 2, snap.Failures)
	if assert.NotNil(t, snap.RetryAt) {
		assert.Equal(t, now.Add(time.Minute), *snap.RetryAt)
	}

	now = now.Add(2 * time.Minute)
	b.Allow("gw")
	b.RecordSuccess("gw")
	snap = b.Snapshot("gw")
	assert.Equal(t, "closed", snap.State)
	assert.Zero(t, snap.Failures)
	assert.Nil(t, snap.RetryAt)
}
