package jobs

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobCols = []string{"id", "client_id", "title", "budget", "commission_bps", "start_date", "end_date",
	"delivery_count", "status", "selected_proposal_id", "selected_doer_id", "created_at", "updated_at"}

func TestPostgresStore_MarkWorkerSelected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = 'worker_selected'")).
		WithArgs("job_1", "p1", "doer1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET status = 'selected'")).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkWorkerSelected(context.Background(), "job_1", "p1", "doer1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkWorkerSelected_LostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = 'worker_selected'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)")).
		WithArgs("job_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err = store.MarkWorkerSelected(context.Background(), "job_1", "p1", "doer1")
	assert.ErrorIs(t, err, ErrJobNotOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFlexibleNearStart(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("AND j.end_date IS NULL")).
		WithArgs(now, int64(50)).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job_1", "client", "Walk dog", int64(5000), int64(500), now, nil, 0, "open", nil, nil, now, now))

	got, err := store.ListFlexibleNearStart(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsFlexible())
	assert.Equal(t, StatusOpen, got[0].Status)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobCols))

	_, err = NewPostgresStore(db).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
