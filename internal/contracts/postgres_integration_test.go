package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	end := now.Add(72 * time.Hour)

	c, err := NewContract(NewContractParams{
		JobID:      "job_pg",
		ClientID:   "usr_client",
		DoerID:     "usr_doer",
		Price:      money.FromMajor(1000),
		Commission: money.FromMajor(50),
		StartDate:  now.Add(24 * time.Hour),
		EndDate:    &end,
		Deliveries: []string{"Draft", "Final"},
		Now:        now,
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, c))

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromMajor(1050), got.TotalPrice)
	assert.Len(t, got.Deliveries, 2)
	assert.Equal(t, escrow.PaymentPending, got.Account.Status)

	// Two writers load the same version; only the first update lands.
	stale, err := store.Get(ctx, c.ID)
	require.NoError(t, err)

	got.TermsAcceptedByClient = true
	require.NoError(t, store.Update(ctx, got))
	assert.Equal(t, c.Version+1, got.Version)

	stale.TermsAcceptedByDoer = true
	assert.ErrorIs(t, store.Update(ctx, stale), ErrVersionConflict)

	byJob, err := store.ListByJob(ctx, "job_pg")
	require.NoError(t, err)
	require.Len(t, byJob, 1)
	assert.True(t, byJob[0].TermsAcceptedByClient)
	assert.False(t, byJob[0].TermsAcceptedByDoer)

	_, err = store.Get(ctx, "ctr_missing")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestPostgresStore_ConfirmationQueries_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	end := now.Add(-72 * time.Hour)

	started := func(confirmedBy ...string) *Contract {
		c, err := NewContract(NewContractParams{
			JobID:      "job_pg",
			ClientID:   "usr_client",
			DoerID:     "usr_doer",
			Price:      money.FromMajor(100),
			Commission: money.FromMajor(5),
			StartDate:  now.Add(-96 * time.Hour),
			EndDate:    &end,
			Now:        now.Add(-120 * time.Hour),
		})
		require.NoError(t, err)
		c.Status = StatusInProgress
		c.Confirmations = map[string]Confirmation{}
		for _, p := range confirmedBy {
			c.Confirmations[p] = Confirmation{ConfirmedAt: end.Add(time.Hour)}
		}
		require.NoError(t, store.Create(ctx, c))
		return c
	}
	silent := started()
	waiting := started("usr_client")

	due, err := store.ListAutoConfirmDue(ctx, now.Add(-48*time.Hour), "", 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, waiting.ID, due[0].ID)

	due, err = store.ListAutoConfirmDue(ctx, end, "", 10)
	require.NoError(t, err)
	assert.Empty(t, due, "the confirmation came after the cutoff")

	offsets := []time.Duration{0, 12 * time.Hour}
	reminders, err := store.ListReminderDue(ctx, now, offsets, "", 10)
	require.NoError(t, err)
	assert.Len(t, reminders, 2)

	after, err := store.ListReminderDue(ctx, now, offsets, reminders[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, reminders[1].ID, after[0].ID)
	assert.ElementsMatch(t, []string{silent.ID, waiting.ID}, []string{reminders[0].ID, reminders[1].ID})
}
