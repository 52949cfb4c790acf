package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/taskhold/internal/money"
)

// PostgresStore persists jobs and proposals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, client_id, title, budget, commission_bps, start_date, end_date,
		       delivery_count, status, selected_proposal_id, selected_doer_id, created_at, updated_at`

const proposalColumns = `id, job_id, doer_id, price, status, submitted_at`

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.ClientID, j.Title, int64(j.Budget), j.CommissionBps, j.StartDate, nullTime(j.EndDate),
		j.DeliveryCount, string(j.Status), nullString(j.SelectedProposalID), nullString(j.SelectedDoerID),
		j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (p *PostgresStore) AddProposal(ctx context.Context, pr *Proposal) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM jobs WHERE id = $2 AND status = 'open')`,
		pr.ID, pr.JobID, pr.DoerID, int64(pr.Price), string(pr.Status), pr.SubmittedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateWorker
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, pr.JobID); err != nil {
			return err
		}
		return ErrJobNotOpen
	}
	return nil
}

func (p *PostgresStore) Proposals(ctx context.Context, jobID string) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE job_id = $1
		ORDER BY submitted_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Proposal
	for rows.Next() {
		var (
			pr     Proposal
			price  int64
			status string
		)
		if err := rows.Scan(&pr.ID, &pr.JobID, &pr.DoerID, &price, &status, &pr.SubmittedAt); err != nil {
			return nil, err
		}
		pr.Price = money.Amount(price)
		pr.Status = ProposalStatus(status)
		out = append(out, &pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListAwaitingSelection(ctx context.Context, startBefore time.Time, limit int) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.status = 'open'
		  AND j.start_date <= $1
		  AND EXISTS (SELECT 1 FROM proposals pr WHERE pr.job_id = j.id AND pr.status = 'submitted')
		ORDER BY j.start_date, j.id
		LIMIT $2`, startBefore, limit)
}

func (p *PostgresStore) MarkWorkerSelected(ctx context.Context, jobID, proposalID, doerID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'worker_selected', selected_proposal_id = $2,
		       selected_doer_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`, jobID, proposalID, doerID)
	if err != nil {
		return err
	}
	if err := requireRow(ctx, tx, result, jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = 'selected' WHERE id = $1`, proposalID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RevertSelection(ctx context.Context, jobID, proposalID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'open', selected_proposal_id = NULL,
		       selected_doer_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'worker_selected' AND selected_proposal_id = $2`,
		jobID, proposalID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = 'submitted' WHERE id = $1 AND status = 'selected'`, proposalID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ('open', 'worker_selected')
		  AND start_date < $1
		ORDER BY start_date, id
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) MarkExpired(ctx context.Context, jobID string) error {
	return p.transition(ctx, jobID, StatusExpired, StatusOpen, StatusWorkerSelected)
}

func (p *PostgresStore) MarkContracted(ctx context.Context, jobID string) error {
	return p.transition(ctx, jobID, StatusContracted, StatusOpen, StatusWorkerSelected)
}

func (p *PostgresStore) ListFlexibleNearStart(ctx context.Context, startBefore time.Time, limit int) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.status = 'open'
		  AND j.end_date IS NULL
		  AND j.start_date <= $1
		  AND NOT EXISTS (SELECT 1 FROM proposals pr WHERE pr.job_id = j.id AND pr.status = 'submitted')
		ORDER BY j.start_date, j.id
		LIMIT $2`, startBefore, limit)
}

func (p *PostgresStore) MarkSuspended(ctx context.Context, jobID string) error {
	return p.transition(ctx, jobID, StatusSuspended, StatusOpen)
}

func (p *PostgresStore) transition(ctx context.Context, jobID string, to Status, from ...Status) error {
	froms := make([]string, len(from))
	for i, f := range from {
		froms[i] = string(f)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`, jobID, string(to), pq.Array(froms))
	if err != nil {
		return err
	}
	return requireRow(ctx, p.db, result, jobID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// requireRow maps a zero-row CAS update to ErrJobNotFound or ErrJobNotOpen.
func requireRow(ctx context.Context, q rowQuerier, result sql.Result, jobID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobNotOpen
}

func (p *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j          Job
		budget     int64
		status     string
		endDate    sql.NullTime
		proposalID sql.NullString
		doerID     sql.NullString
	)
	if err := s.Scan(&j.ID, &j.ClientID, &j.Title, &budget, &j.CommissionBps, &j.StartDate, &endDate,
		&j.DeliveryCount, &status, &proposalID, &doerID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Budget = money.Amount(budget)
	j.Status = Status(status)
	if endDate.Valid {
		t := endDate.Time
		j.EndDate = &t
	}
	j.SelectedProposalID = proposalID.String
	j.SelectedDoerID = doerID.String
	j.Title = strings.TrimSpace(j.Title)
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
