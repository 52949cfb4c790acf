package contracts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/money"
)

// PostgresStore persists contracts in PostgreSQL. Deliveries and
// confirmations are stored as JSONB next to the scalar columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, job_id, client_id, doer_id, price, commission, total_price, status,
		       terms_accepted_by_client, terms_accepted_by_doer,
		       start_date, end_date, actual_start_date, actual_end_date, deliveries,
		       payment_status, captured, released, refunded, payment_date,
		       cancellation_reason, cancelled_by, confirmations, reminders_sent,
		       version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	deliveries, confirmations, err := encodeJSON(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		c.ID, c.JobID, c.ClientID, c.DoerID, int64(c.Price), int64(c.Commission), int64(c.TotalPrice), string(c.Status),
		c.TermsAcceptedByClient, c.TermsAcceptedByDoer,
		c.StartDate, nullTime(c.EndDate), nullTime(c.ActualStartDate), nullTime(c.ActualEndDate), deliveries,
		string(c.Account.Status), int64(c.Captured), int64(c.Released), int64(c.Refunded), nullTime(c.PaymentDate),
		nullString(c.CancellationReason), nullString(c.CancelledBy), confirmations, c.RemindersSent,
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return c, err
}

// Update writes every mutable column if the stored version still matches.
func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	deliveries, confirmations, err := encodeJSON(c)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			price = $2, commission = $3, total_price = $4, status = $5,
			terms_accepted_by_client = $6, terms_accepted_by_doer = $7,
			actual_start_date = $8, actual_end_date = $9, deliveries = $10,
			payment_status = $11, captured = $12, released = $13, refunded = $14, payment_date = $15,
			cancellation_reason = $16, cancelled_by = $17, confirmations = $18, reminders_sent = $19,
			version = version + 1, updated_at = $20
		WHERE id = $1 AND version = $21`,
		c.ID, int64(c.Price), int64(c.Commission), int64(c.TotalPrice), string(c.Status),
		c.TermsAcceptedByClient, c.TermsAcceptedByDoer,
		nullTime(c.ActualStartDate), nullTime(c.ActualEndDate), deliveries,
		string(c.Account.Status), int64(c.Captured), int64(c.Released), int64(c.Refunded), nullTime(c.PaymentDate),
		nullString(c.CancellationReason), nullString(c.CancelledBy), confirmations, c.RemindersSent,
		c.UpdatedAt, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	if status == "" {
		return p.query(ctx, `
			SELECT `+contractColumns+` FROM contracts
			WHERE client_id = $1 OR doer_id = $1
			ORDER BY created_at DESC LIMIT $2`, userID, limit)
	}
	return p.query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE (client_id = $1 OR doer_id = $1) AND status = $2
		ORDER BY created_at DESC LIMIT $3`, userID, string(status), limit)
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Contract, error) {
	return p.query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE job_id = $1 ORDER BY created_at`, jobID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	return p.query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListStartDue(ctx context.Context, now time.Time, limit int) ([]*Contract, error) {
	return p.query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status = 'accepted' AND start_date <= $1
		ORDER BY start_date LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListAutoConfirmDue(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]*Contract, error) {
	return p.query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status = 'in_progress' AND id > $2
		  AND COALESCE(end_date, actual_end_date) <= $1
		  AND (SELECT count(*) FROM jsonb_object_keys(confirmations)) = 1
		  AND (SELECT max((value->>'confirmedAt')::timestamptz) FROM jsonb_each(confirmations)) <= $1
		ORDER BY id LIMIT $3`, cutoff, afterID, limit)
}

func (p *PostgresStore) ListReminderDue(ctx context.Context, now time.Time, offsets []time.Duration, afterID string, limit int) ([]*Contract, error) {
	secs := make([]int64, len(offsets))
	for i, off := range offsets {
		secs[i] = int64(off / time.Second)
	}
	return p.query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status = 'in_progress' AND id > $3
		  AND reminders_sent < cardinality($2::bigint[])
		  AND (SELECT count(*) FROM jsonb_object_keys(confirmations)) < 2
		  AND COALESCE(end_date, actual_end_date)
		      + make_interval(secs => ($2::bigint[])[reminders_sent + 1]) <= $1
		ORDER BY id LIMIT $4`, now, pq.Array(secs), afterID, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(s scanner) (*Contract, error) {
	var (
		c                                          Contract
		price, commission, total                   int64
		captured, released, refunded               int64
		status, paymentStatus                      string
		endDate, actualStart, actualEnd, paymentAt sql.NullTime
		reason, cancelledBy                        sql.NullString
		deliveries, confirmations                  []byte
	)
	if err := s.Scan(
		&c.ID, &c.JobID, &c.ClientID, &c.DoerID, &price, &commission, &total, &status,
		&c.TermsAcceptedByClient, &c.TermsAcceptedByDoer,
		&c.StartDate, &endDate, &actualStart, &actualEnd, &deliveries,
		&paymentStatus, &captured, &released, &refunded, &paymentAt,
		&reason, &cancelledBy, &confirmations, &c.RemindersSent,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Price = money.Amount(price)
	c.Commission = money.Amount(commission)
	c.TotalPrice = money.Amount(total)
	c.Status = Status(status)
	c.EndDate = timePtr(endDate)
	c.ActualStartDate = timePtr(actualStart)
	c.ActualEndDate = timePtr(actualEnd)
	c.Account = escrow.Account{
		Status:      escrow.PaymentStatus(paymentStatus),
		Captured:    money.Amount(captured),
		Released:    money.Amount(released),
		Refunded:    money.Amount(refunded),
		PaymentDate: timePtr(paymentAt),
	}
	c.CancellationReason = reason.String
	c.CancelledBy = cancelledBy.String

	if len(deliveries) > 0 {
		if err := json.Unmarshal(deliveries, &c.Deliveries); err != nil {
			return nil, fmt.Errorf("decode deliveries of %s: %w", c.ID, err)
		}
	}
	c.Confirmations = map[string]Confirmation{}
	if len(confirmations) > 0 {
		if err := json.Unmarshal(confirmations, &c.Confirmations); err != nil {
			return nil, fmt.Errorf("decode confirmations of %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func encodeJSON(c *Contract) (deliveries, confirmations []byte, err error) {
	d := c.Deliveries
	if d == nil {
		d = []Delivery{}
	}
	if deliveries, err = json.Marshal(d); err != nil {
		return nil, nil, fmt.Errorf("encode deliveries: %w", err)
	}
	cf := c.Confirmations
	if cf == nil {
		cf = map[string]Confirmation{}
	}
	if confirmations, err = json.Marshal(cf); err != nil {
		return nil, nil, fmt.Errorf("encode confirmations: %w", err)
	}
	return deliveries, confirmations, nil
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
