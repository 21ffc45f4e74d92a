// Package audit records admin override actions so every manual intervention
// on an escrow leaves a durable trail.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adam-php/medius/internal/idgen"
	"github.com/adam-php/medius/internal/logging"
)

// Entry is one recorded admin action.
type Entry struct {
	ID        string    `json:"id"`
	AdminID   string    `json:"admin_id"`
	Action    string    `json:"action"`
	EscrowID  string    `json:"escrow_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, limit int) ([]*Entry, error)
}

// Log records admin actions to a store. Failures to persist are logged and
// swallowed; an audit write must never block the action itself.
type Log struct {
	store Store
}

// NewLog creates an audit log over the given store.
func NewLog(store Store) *Log {
	return &Log{store: store}
}

// Record writes one admin action.
func (l *Log) Record(ctx context.Context, adminID, action, escrowID, detail string) {
	entry := &Entry{
		ID:        idgen.WithPrefix("aud_"),
		AdminID:   adminID,
		Action:    action,
		EscrowID:  escrowID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.Append(ctx, entry); err != nil {
		logging.L(ctx).Error("failed to write audit entry",
			"admin_id", adminID, "action", action, "escrow_id", escrowID, "error", err)
	}
}

// Recent returns the latest audit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.List(ctx, limit)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Entry, error) {
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
