// Package referral tracks commission earned by users who referred the buyer
// of a settled trade, and pays it out on demand over the crypto rail.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/fees"
	"github.com/adam-php/medius/internal/idgen"
	"github.com/adam-php/medius/internal/logging"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/validation"
)

var (
	ErrAlreadyAccrued    = errors.New("commission already accrued for escrow")
	ErrInsufficientFunds = errors.New("insufficient referral balance")
	ErrBelowMinimum      = errors.New("withdrawal below minimum")
	ErrAboveMaximum      = errors.New("withdrawal above maximum")
)

// DefaultCommissionRate is the referrer's share of the platform fee.
const DefaultCommissionRate = 0.20

// Default withdrawal bounds in USD.
const (
	DefaultMinWithdrawalUSD = 5.0
	DefaultMaxWithdrawalUSD = 10000.0
)

// Entry is one ledger line. Positive amounts credit the referrer's balance,
// negative amounts debit it.
type Entry struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrer_id"`
	EscrowID   string    `json:"escrow_id,omitempty"`
	AmountUSD  float64   `json:"amount_usd"`
	Kind       string    `json:"kind"` // "commission", "withdrawal", "reversal"
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary is a referrer's aggregate position.
type Summary struct {
	ReferrerID   string  `json:"referrer_id"`
	BalanceUSD   float64 `json:"balance_usd"`
	EarnedUSD    float64 `json:"earned_usd"`
	WithdrawnUSD float64 `json:"withdrawn_usd"`
	Referrals    int     `json:"referrals"`
}

// Withdrawal is a payout of accrued commission.
type Withdrawal struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrer_id"`
	AmountUSD  float64   `json:"amount_usd"`
	Currency   string    `json:"currency"`
	Address    string    `json:"address"`
	TxRef      string    `json:"tx_ref,omitempty"`
	Status     string    `json:"status"` // "completed", "failed"
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists the ledger. AppendCommission must enforce at-most-once per
// escrow (ErrAlreadyAccrued on the second attempt), and Debit must refuse to
// take the balance negative (ErrInsufficientFunds).
type Store interface {
	AppendCommission(ctx context.Context, entry *Entry) error
	Debit(ctx context.Context, referrerID string, amountUSD float64, note string) (*Entry, error)
	Credit(ctx context.Context, referrerID string, amountUSD float64, note string) (*Entry, error)
	Summarize(ctx context.Context, referrerID string) (*Summary, error)
	ListEntries(ctx context.Context, referrerID string, limit int) ([]*Entry, error)
	// ListRecent returns the newest entries across all referrers, for the
	// admin overview.
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)
	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	ListWithdrawals(ctx context.Context, referrerID string, limit int) ([]*Withdrawal, error)
}

// ReferrerSource resolves which user, if any, referred the given user.
// Returns "" when the user was not referred.
type ReferrerSource interface {
	ReferrerOf(ctx context.Context, userID string) (string, error)
}

// StaticReferrers is a fixed user→referrer map, used in tests and single
// tenant deployments configured from the environment.
type StaticReferrers map[string]string

func (s StaticReferrers) ReferrerOf(ctx context.Context, userID string) (string, error) {
	return s[userID], nil
}

// Service accrues and pays out referral commission.
type Service struct {
	store     Store
	referrers ReferrerSource
	rail      cryptorail.Rail
	prices    priceSource

	rate   float64
	minUSD float64
	maxUSD float64
}

type priceSource interface {
	USDPrice(ctx context.Context, symbol string) (float64, error)
}

// Option configures a Service.
type Option func(*Service)

// WithCommissionRate overrides the referrer's share of the platform fee.
func WithCommissionRate(rate float64) Option {
	return func(s *Service) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithWithdrawalLimits overrides the per-withdrawal USD bounds.
func WithWithdrawalLimits(minUSD, maxUSD float64) Option {
	return func(s *Service) {
		if minUSD > 0 {
			s.minUSD = minUSD
		}
		if maxUSD > 0 {
			s.maxUSD = maxUSD
		}
	}
}

// NewService creates the referral service. rail may be nil when withdrawals
// are disabled.
func NewService(store Store, referrers ReferrerSource, rail cryptorail.Rail, prices priceSource, opts ...Option) *Service {
	s := &Service{
		store:     store,
		referrers: referrers,
		rail:      rail,
		prices:    prices,
		rate:      DefaultCommissionRate,
		minUSD:    DefaultMinWithdrawalUSD,
		maxUSD:    DefaultMaxWithdrawalUSD,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accrue credits the buyer's referrer with their share of the platform fee.
// At most one commission is written per escrow regardless of how many times
// settlement reporting fires.
func (s *Service) Accrue(ctx context.Context, escrowID, buyerID string, feeUSD float64) error {
	referrerID, err := s.referrers.ReferrerOf(ctx, buyerID)
	if err != nil {
		return err
	}
	if referrerID == "" || referrerID == buyerID || feeUSD <= 0 {
		return nil
	}

	commission := fees.RoundUSD(feeUSD * s.rate)
	if commission <= 0 {
		return nil
	}

	entry := &Entry{
		ID:         idgen.WithPrefix("ref_"),
		ReferrerID: referrerID,
		EscrowID:   escrowID,
		AmountUSD:  commission,
		Kind:       "commission",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendCommission(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyAccrued) {
			return nil
		}
		return err
	}

	metrics.ReferralAccrualsTotal.Inc()
	logging.L(ctx).Info("referral commission accrued",
		"referrer_id", referrerID, "escrow_id", escrowID, "amount_usd", commission)
	return nil
}

// Summary returns the referrer's aggregate position.
func (s *Service) Summary(ctx context.Context, referrerID string) (*Summary, error) {
	return s.store.Summarize(ctx, referrerID)
}

// History returns recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, referrerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListEntries(ctx, referrerID, limit)
}

// RecentEntries returns the newest ledger entries across all referrers.
func (s *Service) RecentEntries(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListRecent(ctx, limit)
}

// Withdrawals returns recent withdrawal attempts, newest first.
func (s *Service) Withdrawals(ctx context.Context, referrerID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListWithdrawals(ctx, referrerID, limit)
}

// Withdraw pays out accrued balance to a crypto address. The balance is
// debited before the rail send; a failed send writes a compensating credit
// so the balance never counts money that actually left the platform.
func (s *Service) Withdraw(ctx context.Context, referrerID string, amountUSD float64, currency, address string) (*Withdrawal, error) {
	if s.rail == nil {
		return nil, fmt.Errorf("withdrawals not configured")
	}
	if amountUSD < s.minUSD {
		return nil, fmt.Errorf("%w: minimum is $%.2f", ErrBelowMinimum, s.minUSD)
	}
	if amountUSD > s.maxUSD {
		return nil, fmt.Errorf("%w: maximum is $%.2f", ErrAboveMaximum, s.maxUSD)
	}
	currency = validation.NormalizeCurrency(currency)
	if !validation.IsSupportedCurrency(currency) {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	if !validation.IsValidAddress(address, currency) {
		return nil, fmt.Errorf("invalid address for %s", currency)
	}

	price, err := s.prices.USDPrice(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", currency, err)
	}
	cryptoAmount := fees.RoundCrypto(amountUSD / price)

	// Debit first so a concurrent withdrawal cannot double-spend the
	// balance while the rail call is in flight.
	debit, err := s.store.Debit(ctx, referrerID, amountUSD, "withdrawal")
	if err != nil {
		return nil, err
	}

	w := &Withdrawal{
		ID:         idgen.WithPrefix("wd_"),
		ReferrerID: referrerID,
		AmountUSD:  amountUSD,
		Currency:   currency,
		Address:    address,
		CreatedAt:  time.Now().UTC(),
	}

	txRef, sendErr := s.rail.SendFromPlatform(ctx, currency, address, cryptoAmount)
	if sendErr != nil {
		if _, creditErr := s.store.Credit(ctx, referrerID, amountUSD, "reversal of "+debit.ID); creditErr != nil {
			logging.L(ctx).Error("failed to reverse withdrawal debit",
				"referrer_id", referrerID, "debit_id", debit.ID, "error", creditErr)
		}
		w.Status = "failed"
		_ = s.store.CreateWithdrawal(ctx, w)
		metrics.ReferralWithdrawalsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("withdrawal send: %w", sendErr)
	}

	w.TxRef = txRef
	w.Status = "completed"
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		logging.L(ctx).Error("withdrawal sent but not recorded",
			"referrer_id", referrerID, "tx_ref", txRef, "error", err)
	}
	metrics.ReferralWithdrawalsTotal.WithLabelValues("completed").Inc()
	logging.L(ctx).Info("referral withdrawal completed",
		"referrer_id", referrerID, "amount_usd", amountUSD, "currency", currency)
	return w, nil
}

// Code derives a shareable referral code from a user id.
func Code(userID string) string {
	trimmed := strings.ReplaceAll(userID, "user_", "")
	if len(trimmed) > 12 {
		trimmed = trimmed[:12]
	}
	return strings.ToUpper(trimmed)
}
