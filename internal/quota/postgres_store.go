package quota

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists counters in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed counter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Consume(ctx context.Context, userID string, kind Kind, limit int64, periodStart time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_counters (user_id, kind, used, period_start)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id, kind) DO UPDATE SET
			used = CASE WHEN usage_counters.period_start < $3 THEN 1 ELSE usage_counters.used + 1 END,
			period_start = GREATEST(usage_counters.period_start, $3)
		WHERE usage_counters.period_start < $3 OR usage_counters.used < $4`,
		userID, string(kind), periodStart, limit,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLimitReached
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, userID string, kind Kind, periodStart time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE usage_counters SET used = used - 1
		WHERE user_id = $1 AND kind = $2 AND used > 0 AND period_start >= $3`,
		userID, string(kind), periodStart)
	return err
}

func (p *PostgresStore) List(ctx context.Context, userID string) ([]*Counter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, kind, used, period_start
		FROM usage_counters
		WHERE user_id = $1
		ORDER BY kind`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Counter
	for rows.Next() {
		var (
			c    Counter
			kind string
		)
		if err := rows.Scan(&c.UserID, &kind, &c.Used, &c.PeriodStart); err != nil {
			return nil, err
		}
		c.Kind = Kind(kind)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResetBefore(ctx context.Context, periodStart time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE usage_counters SET used = 0, period_start = $1
		WHERE period_start < $1`, periodStart)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
