// Package custody manages per-escrow deposit wallets.
//
// Each crypto escrow owns exactly one deposit wallet. The service keeps a
// process-local cache in front of the store, and both sit in front of the
// rail: a wallet is generated at most once per escrow no matter how many
// callers race on it. Callers for the same escrow serialize on a per-escrow
// lock; the cache mutex is never held across a rail call, so independent
// escrows generate wallets in parallel.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/syncutil"
)

var (
	ErrWalletNotFound = errors.New("custody: wallet not found")
	ErrWalletExists   = errors.New("custody: wallet already exists for escrow")
)

// Wallet is the persisted deposit wallet for one escrow.
type Wallet struct {
	EscrowID     string    `json:"escrow_id"`
	Address      string    `json:"address"`
	Mnemonic     string    `json:"-"`
	XPub         string    `json:"-"`
	Currency     string    `json:"currency"`
	Chain        string    `json:"chain"`
	AddressIndex int       `json:"address_index"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists deposit wallets. Create must reject a second wallet for the
// same escrow with ErrWalletExists.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, escrowID string) (*Wallet, error)
	Delete(ctx context.Context, escrowID string) error
}

// Service hands out deposit addresses, generating wallets lazily.
type Service struct {
	store Store
	rail  cryptorail.Rail

	// locks serializes wallet creation per escrow id.
	locks *syncutil.KeyedMutex

	// mu guards the cache map only.
	mu    sync.Mutex
	cache map[string]*Wallet
}

// NewService creates the custody service.
func NewService(store Store, rail cryptorail.Rail) *Service {
	return &Service{
		store: store,
		rail:  rail,
		locks: syncutil.NewKeyedMutex(),
		cache: make(map[string]*Wallet),
	}
}

func (s *Service) cached(escrowID string) *Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[escrowID]
}

func (s *Service) setCached(w *Wallet) {
	s.mu.Lock()
	s.cache[w.EscrowID] = w
	s.mu.Unlock()
}

// GetOrCreateDeposit returns the escrow's deposit address, generating the
// wallet on first use. Only the first caller for an escrow reaches the rail.
func (s *Service) GetOrCreateDeposit(ctx context.Context, escrowID, currency string) (string, error) {
	unlock, err := s.locks.Lock(ctx, escrowID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if w := s.cached(escrowID); w != nil {
		return w.Address, nil
	}

	// Another instance may have created it already.
	w, err := s.store.Get(ctx, escrowID)
	if err == nil {
		s.setCached(w)
		return w.Address, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return "", err
	}

	generated, err := s.rail.GenerateWallet(ctx, currency)
	if err != nil {
		return "", fmt.Errorf("custody: generate wallet for %s: %w", escrowID, err)
	}

	w = &Wallet{
		EscrowID:     escrowID,
		Address:      generated.Address,
		Mnemonic:     generated.Mnemonic,
		XPub:         generated.XPub,
		Currency:     currency,
		Chain:        generated.Chain,
		AddressIndex: generated.AddressIndex,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, w); err != nil {
		if errors.Is(err, ErrWalletExists) {
			// Lost the race to another instance; use theirs.
			existing, getErr := s.store.Get(ctx, escrowID)
			if getErr != nil {
				return "", getErr
			}
			s.setCached(existing)
			return existing.Address, nil
		}
		return "", err
	}
	metrics.WalletsGeneratedTotal.WithLabelValues(w.Chain).Inc()

	s.setCached(w)
	return w.Address, nil
}

// Wallet returns the stored wallet for an escrow, cache first.
func (s *Service) Wallet(ctx context.Context, escrowID string) (*Wallet, error) {
	if w := s.cached(escrowID); w != nil {
		return w, nil
	}

	w, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	s.setCached(w)
	return w, nil
}

// Adopt binds an existing wallet to another escrow id. Checkout fan-out
// uses this so line-item escrows disburse from the session's aggregator
// wallet. Idempotent for the same escrow id.
func (s *Service) Adopt(ctx context.Context, escrowID string, src *Wallet) error {
	w := &Wallet{
		EscrowID:     escrowID,
		Address:      src.Address,
		Mnemonic:     src.Mnemonic,
		XPub:         src.XPub,
		Currency:     src.Currency,
		Chain:        src.Chain,
		AddressIndex: src.AddressIndex,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, w); err != nil {
		if errors.Is(err, ErrWalletExists) {
			return nil
		}
		return err
	}
	s.setCached(w)
	return nil
}

// Regenerate discards the escrow's wallet and generates a new one. Admin
// recovery path for wallets that never worked; any balance on the old
// address is abandoned, so callers gate this on the escrow being unfunded.
func (s *Service) Regenerate(ctx context.Context, escrowID, currency string) (string, error) {
	unlock, err := s.locks.Lock(ctx, escrowID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := s.store.Delete(ctx, escrowID); err != nil && !errors.Is(err, ErrWalletNotFound) {
		return "", err
	}
	s.mu.Lock()
	delete(s.cache, escrowID)
	s.mu.Unlock()

	generated, err := s.rail.GenerateWallet(ctx, currency)
	if err != nil {
		return "", fmt.Errorf("custody: regenerate wallet for %s: %w", escrowID, err)
	}

	w := &Wallet{
		EscrowID:     escrowID,
		Address:      generated.Address,
		Mnemonic:     generated.Mnemonic,
		XPub:         generated.XPub,
		Currency:     currency,
		Chain:        generated.Chain,
		AddressIndex: generated.AddressIndex,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, w); err != nil {
		return "", err
	}
	metrics.WalletsGeneratedTotal.WithLabelValues(w.Chain).Inc()

	s.setCached(w)
	return w.Address, nil
}
