package escrow

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskhold/internal/money"
)

var entryCols = []string{"id", "contract_id", "kind", "payee_id", "amount", "receipt_id", "idempotency_key", "created_at"}

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	e := &Entry{
		ID: "ent_1", ContractID: "ctr_1", Kind: EntryRelease, PayeeID: "doer",
		Amount: money.FromMajor(650), ReceiptID: "rcpt_1",
		IdempotencyKey: "ctr_1:release:doer", CreatedAt: time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_entries")).
		WithArgs("ent_1", "ctr_1", "release", "doer", int64(65000), "rcpt_1", "ctr_1:release:doer", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Append(context.Background(), e))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Append(context.Background(), e), ErrDuplicateEntry)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_entries WHERE idempotency_key = $1")).
		WithArgs("ctr_1:capture:0").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow("ent_1", "ctr_1", "capture", nil, int64(105000), "rcpt_1", "ctr_1:capture:0", now))

	e, err := store.GetByKey(context.Background(), "ctr_1:capture:0")
	require.NoError(t, err)
	assert.Equal(t, EntryCapture, e.Kind)
	assert.Equal(t, money.FromMajor(1050), e.Amount)
	assert.Empty(t, e.PayeeID)

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_entries WHERE idempotency_key = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(entryCols))

	_, err = store.GetByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByContract(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE contract_id = $1")).
		WithArgs("ctr_1").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow("ent_1", "ctr_1", "capture", nil, int64(100), "r1", "ctr_1:capture:0", now).
			AddRow("ent_2", "ctr_1", "void", "client", int64(100), "r2", "ctr_1:void:0", now))

	entries, err := store.ListByContract(context.Background(), "ctr_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryVoid, entries[1].Kind)
	assert.Equal(t, "client", entries[1].PayeeID)
}
