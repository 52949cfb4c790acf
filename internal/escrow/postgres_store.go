package escrow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/taskhold/internal/money"
)

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed entry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, contract_id, kind, payee_id, amount, receipt_id, idempotency_key, created_at`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.ContractID, string(e.Kind), nullString(e.PayeeID), int64(e.Amount),
		e.ReceiptID, e.IdempotencyKey, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

func (p *PostgresStore) GetByKey(ctx context.Context, key string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE idempotency_key = $1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM escrow_entries
		WHERE contract_id = $1
		ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e      Entry
		kind   string
		payee  sql.NullString
		amount int64
	)
	if err := s.Scan(&e.ID, &e.ContractID, &kind, &payee, &amount, &e.ReceiptID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = EntryKind(kind)
	e.PayeeID = payee.String
	e.Amount = money.Amount(amount)
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
