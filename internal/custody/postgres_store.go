package custody

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists deposit wallets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_wallets (escrow_id, address, mnemonic, xpub, currency, chain, address_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.EscrowID, w.Address, w.Mnemonic, w.XPub, w.Currency, w.Chain, w.AddressIndex, w.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation on escrow_id
		return ErrWalletExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, escrowID string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, address, mnemonic, xpub, currency, chain, address_index, created_at
		FROM escrow_wallets WHERE escrow_id = $1`, escrowID)

	var w Wallet
	err := row.Scan(&w.EscrowID, &w.Address, &w.Mnemonic, &w.XPub, &w.Currency, &w.Chain, &w.AddressIndex, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) Delete(ctx context.Context, escrowID string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM escrow_wallets WHERE escrow_id = $1`, escrowID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}
