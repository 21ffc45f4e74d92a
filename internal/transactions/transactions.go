// Package transactions keeps the append-only money-movement log.
// Every transfer the platform performs lands here with its rail reference.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/adam-php/medius/internal/idgen"
)

var ErrNotFound = errors.New("transaction not found")

// Record types.
const (
	TypeDeposit     = "deposit"
	TypeRelease     = "release"
	TypePlatformFee = "platform_fee"
	TypeRefund      = "refund"
	TypePayout      = "payout"
)

// Record is one money movement tied to an escrow.
type Record struct {
	ID       string  `json:"id"`
	EscrowID string  `json:"escrow_id"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	// USDAmount is the movement's USD valuation at quote time. Zero when no
	// quote was in hand.
	USDAmount float64   `json:"usd_amount,omitempty"`
	TxRef     string    `json:"tx_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists transaction records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Record, error)
	// ListRecent returns the newest records across all escrows, for the
	// admin transaction feed.
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
}

// New builds a record with a fresh id, ready to persist.
func New(escrowID, recType string, amount float64, currency, txRef string) *Record {
	return &Record{
		ID:        idgen.WithPrefix("txn_"),
		EscrowID:  escrowID,
		Type:      recType,
		Amount:    amount,
		Currency:  currency,
		TxRef:     txRef,
		CreatedAt: time.Now().UTC(),
	}
}

// WithUSD attaches the USD valuation to a record being built.
func (r *Record) WithUSD(usd float64) *Record {
	r.USDAmount = usd
	return r
}
