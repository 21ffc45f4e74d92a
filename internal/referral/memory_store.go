package referral

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adam-php/medius/internal/fees"
	"github.com/adam-php/medius/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	entries     []*Entry
	byEscrow    map[string]bool
	withdrawals []*Withdrawal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEscrow: make(map[string]bool)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) AppendCommission(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byEscrow[entry.EscrowID] {
		return ErrAlreadyAccrued
	}
	m.byEscrow[entry.EscrowID] = true
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, referrerID string, amountUSD float64, note string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceLocked(referrerID) < amountUSD {
		return nil, ErrInsufficientFunds
	}
	entry := &Entry{
		ID:         idgen.WithPrefix("ref_"),
		ReferrerID: referrerID,
		AmountUSD:  -amountUSD,
		Kind:       "withdrawal",
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	}
	m.entries = append(m.entries, entry)
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, referrerID string, amountUSD float64, note string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &Entry{
		ID:         idgen.WithPrefix("ref_"),
		ReferrerID: referrerID,
		AmountUSD:  amountUSD,
		Kind:       "reversal",
		Note:       note,
		CreatedAt:  time.Now().UTC(),
	}
	m.entries = append(m.entries, entry)
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) Summarize(ctx context.Context, referrerID string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := &Summary{ReferrerID: referrerID}
	for _, e := range m.entries {
		if e.ReferrerID != referrerID {
			continue
		}
		switch e.Kind {
		case "commission":
			sum.EarnedUSD += e.AmountUSD
			sum.Referrals++
		case "withdrawal":
			sum.WithdrawnUSD += -e.AmountUSD
		}
	}
	sum.BalanceUSD = fees.RoundUSD(m.balanceLocked(referrerID))
	sum.EarnedUSD = fees.RoundUSD(sum.EarnedUSD)
	sum.WithdrawnUSD = fees.RoundUSD(sum.WithdrawnUSD)
	return sum, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, referrerID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.ReferrerID == referrerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdrawals = append(m.withdrawals, &cp)
	return nil
}

func (m *MemoryStore) ListWithdrawals(ctx context.Context, referrerID string, limit int) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.ReferrerID == referrerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// balanceLocked sums the ledger for a referrer. Callers hold m.mu.
func (m *MemoryStore) balanceLocked(referrerID string) float64 {
	var balance float64
	for _, e := range m.entries {
		if e.ReferrerID == referrerID {
			balance += e.AmountUSD
		}
	}
	return balance
}
