package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adam-php/medius/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[id]; !ok {
		return ErrEscrowNotFound
	}
	delete(m.escrows, id)
	return nil
}

func (m *MemoryStore) SetAction(ctx context.Context, id string, party Party, action Action, expectStatus Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if e.Status != expectStatus {
		return false, nil
	}
	if party == PartyBuyer {
		e.BuyerAction = action
	} else {
		e.SellerAction = action
	}
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) MarkFunded(ctx context.Context, id string, fundedAt time.Time, cardAuthID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	e.FundedAt = &fundedAt
	e.UpdatedAt = fundedAt
	if cardAuthID != "" && e.Card != nil {
		e.Card.AuthorizationID = cardAuthID
	}
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Escrow
	for _, e := range m.escrows {
		if (e.BuyerID == userID || e.SellerID == userID) && before.Before(e.CreatedAt, e.ID) {
			out = append(out, copyEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			out = append(out, copyEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Escrow
	for _, e := range m.escrows {
		if e.CheckoutSessionID == sessionID {
			out = append(out, copyEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Crypto != nil {
		c := *e.Crypto
		cp.Crypto = &c
	}
	if e.Card != nil {
		c := *e.Card
		cp.Card = &c
	}
	if e.FundedAt != nil {
		t := *e.FundedAt
		cp.FundedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.Fulfillment.LastAt != nil {
		t := *e.Fulfillment.LastAt
		cp.Fulfillment.LastAt = &t
	}
	return &cp
}
