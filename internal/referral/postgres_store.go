package referral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/adam-php/medius/internal/idgen"
)

func newLedgerEntry(referrerID string, amountUSD float64, kind, note string) *Entry {
	return &Entry{
		ID:         idgen.WithPrefix("ref_"),
		ReferrerID: referrerID,
		AmountUSD:  amountUSD,
		Kind:       kind,
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	}
}

// PostgresStore persists the referral ledger in PostgreSQL. The commission
// uniqueness guarantee rides on the referral_ledger escrow_id unique index,
// and Debit uses a balance-checking UPDATE-style insert inside a transaction
// so the ledger can never go negative.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) AppendCommission(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_ledger (id, referrer_id, escrow_id, amount_usd, kind, note, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, $6, $7)`,
		entry.ID, entry.ReferrerID, entry.EscrowID, entry.AmountUSD, entry.Kind, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyAccrued
		}
		return fmt.Errorf("insert commission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Debit(ctx context.Context, referrerID string, amountUSD float64, note string) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Serialize concurrent debits for the same referrer.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, referrerID); err != nil {
		return nil, fmt.Errorf("lock referrer: %w", err)
	}

	var balance float64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0) FROM referral_ledger
		WHERE referrer_id = $1`, referrerID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance < amountUSD {
		return nil, ErrInsufficientFunds
	}

	entry := newLedgerEntry(referrerID, -amountUSD, "withdrawal", note)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO referral_ledger (id, referrer_id, escrow_id, amount_usd, kind, note, created_at)
		VALUES ($1, $2, NULL, $3::NUMERIC(12,2), $4, $5, $6)`,
		entry.ID, entry.ReferrerID, entry.AmountUSD, entry.Kind, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert debit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) Credit(ctx context.Context, referrerID string, amountUSD float64, note string) (*Entry, error) {
	entry := newLedgerEntry(referrerID, amountUSD, "reversal", note)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_ledger (id, referrer_id, escrow_id, amount_usd, kind, note, created_at)
		VALUES ($1, $2, NULL, $3::NUMERIC(12,2), $4, $5, $6)`,
		entry.ID, entry.ReferrerID, entry.AmountUSD, entry.Kind, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert credit: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, referrerID string) (*Summary, error) {
	sum := &Summary{ReferrerID: referrerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_usd), 0),
			COALESCE(SUM(amount_usd) FILTER (WHERE kind = 'commission'), 0),
			COALESCE(-SUM(amount_usd) FILTER (WHERE kind = 'withdrawal'), 0),
			COUNT(*) FILTER (WHERE kind = 'commission')
		FROM referral_ledger
		WHERE referrer_id = $1`, referrerID).
		Scan(&sum.BalanceUSD, &sum.EarnedUSD, &sum.WithdrawnUSD, &sum.Referrals)
	if err != nil {
		return nil, fmt.Errorf("summarize referrals: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, referrerID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, referrer_id, COALESCE(escrow_id, ''), amount_usd, kind, COALESCE(note, ''), created_at
		FROM referral_ledger
		WHERE referrer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, referrerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.EscrowID, &e.AmountUSD, &e.Kind, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, referrer_id, COALESCE(escrow_id, ''), amount_usd, kind, COALESCE(note, ''), created_at
		FROM referral_ledger
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.EscrowID, &e.AmountUSD, &e.Kind, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_withdrawals (id, referrer_id, amount_usd, currency, address, tx_ref, status, created_at)
		VALUES ($1, $2, $3::NUMERIC(12,2), $4, $5, $6, $7, $8)`,
		w.ID, w.ReferrerID, w.AmountUSD, w.Currency, w.Address, w.TxRef, w.Status, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, referrerID string, limit int) ([]*Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, referrer_id, amount_usd, currency, address, COALESCE(tx_ref, ''), status, created_at
		FROM referral_withdrawals
		WHERE referrer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, referrerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.ID, &w.ReferrerID, &w.AmountUSD, &w.Currency, &w.Address, &w.TxRef, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
