package custody

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.EscrowID]; ok {
		return ErrWalletExists
	}
	cp := *w
	m.wallets[w.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, escrowID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[escrowID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[escrowID]; !ok {
		return ErrWalletNotFound
	}
	delete(m.wallets, escrowID)
	return nil
}
