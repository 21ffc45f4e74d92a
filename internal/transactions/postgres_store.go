package transactions

import (
	"context"
	"database/sql"
)

// PostgresStore persists transaction records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, escrow_id, type, amount, currency, usd_amount, tx_ref, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(30,8), $5, $6::NUMERIC(12,2), $7, $8)`,
		rec.ID, rec.EscrowID, rec.Type, rec.Amount, rec.Currency, rec.USDAmount, rec.TxRef, rec.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, amount, currency, usd_amount, tx_ref, created_at
		FROM transactions
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, amount, currency, usd_amount, tx_ref, created_at
		FROM transactions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EscrowID, &r.Type, &r.Amount, &r.Currency, &r.USDAmount, &r.TxRef, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
