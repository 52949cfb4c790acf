package disputes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/taskhold/internal/money"
)

// PostgresStore persists disputes in PostgreSQL. Evidence and messages are
// JSONB arrays that only grow through the append methods.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, contract_id, client_id, doer_id, initiated_by, respondent, reason, description,
		       evidence, messages, status, assigned_to, resolution_type, resolution, resolved_by,
		       resolved_at, refund_amount, refund_to, version, created_at, updated_at`

// Create inserts the dispute unless its contract already has one.
func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(nonNilEvidence(d.Evidence))
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	messages, err := json.Marshal(nonNilMessages(d.Messages))
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (contract_id) DO NOTHING`,
		d.ID, d.ContractID, d.ClientID, d.DoerID, d.InitiatedBy, d.Respondent, string(d.Reason), d.Description,
		evidence, messages, string(d.Status), nullString(d.AssignedTo), nullString(string(d.ResolutionType)),
		nullString(d.Resolution), nullString(d.ResolvedBy), nullTime(d.ResolvedAt), int64(d.RefundAmount),
		nullString(string(d.RefundTo)), d.Version, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeExists
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByContract(ctx context.Context, contractID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE contract_id = $1`, contractID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

// Update writes the workflow columns if the stored version still matches.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, assigned_to = $3, resolution_type = $4, resolution = $5, resolved_by = $6,
			resolved_at = $7, refund_amount = $8, refund_to = $9, version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $11`,
		d.ID, string(d.Status), nullString(d.AssignedTo), nullString(string(d.ResolutionType)),
		nullString(d.Resolution), nullString(d.ResolvedBy), nullTime(d.ResolvedAt), int64(d.RefundAmount),
		nullString(string(d.RefundTo)), d.UpdatedAt, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) AppendEvidence(ctx context.Context, id string, ev Evidence) error {
	return p.appendJSON(ctx, "evidence", id, ev)
}

func (p *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	return p.appendJSON(ctx, "messages", id, msg)
}

// appendJSON appends one element to a JSONB array column while the dispute
// still accepts input. column is one of two constants, never user input.
func (p *PostgresStore) appendJSON(ctx context.Context, column, id string, v any) error {
	item, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", column, err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET `+column+` = `+column+` || jsonb_build_array($2::jsonb)
		WHERE id = $1 AND status IN ('open', 'under_review')`,
		id, item,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrDisputeClosed
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	var (
		d                                         Dispute
		reason, status                            string
		evidence, messages                        []byte
		assignedTo, resType, resolution, resolver sql.NullString
		refundTo                                  sql.NullString
		resolvedAt                                sql.NullTime
		refund                                    int64
	)
	if err := s.Scan(
		&d.ID, &d.ContractID, &d.ClientID, &d.DoerID, &d.InitiatedBy, &d.Respondent, &reason, &d.Description,
		&evidence, &messages, &status, &assignedTo, &resType, &resolution, &resolver,
		&resolvedAt, &refund, &refundTo, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Reason = Reason(reason)
	d.Status = Status(status)
	d.AssignedTo = assignedTo.String
	d.ResolutionType = ResolutionType(resType.String)
	d.Resolution = resolution.String
	d.ResolvedBy = resolver.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	d.RefundAmount = money.Amount(refund)
	d.RefundTo = RefundTo(refundTo.String)

	d.Evidence = []Evidence{}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence of %s: %w", d.ID, err)
		}
	}
	d.Messages = []Message{}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &d.Messages); err != nil {
			return nil, fmt.Errorf("decode messages of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func nonNilEvidence(e []Evidence) []Evidence {
	if e == nil {
		return []Evidence{}
	}
	return e
}

func nonNilMessages(m []Message) []Message {
	if m == nil {
		return []Message{}
	}
	return m
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
