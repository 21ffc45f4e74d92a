package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adam-php/medius/internal/audit"
	"github.com/adam-php/medius/internal/referral"
	"github.com/adam-php/medius/internal/transactions"
)

func TestRecentTransactions(t *testing.T) {
	ctx := context.Background()
	txns := transactions.NewMemoryStore()
	for _, id := range []string{"esc_1", "esc_2", "esc_3"} {
		require.NoError(t, txns.Create(ctx, transactions.New(id, transactions.TypeDeposit, 1, "BTC", "0xtx")))
	}

	svc := NewService(txns, nil, nil, SystemStatus{Env: "development"})
	records, err := svc.RecentTransactions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestNilSubsystemsReturnEmpty(t *testing.T) {
	ctx := context.Background()
	svc := NewService(transactions.NewMemoryStore(), nil, nil, SystemStatus{})

	entries, err := svc.RecentReferrals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	auditEntries, err := svc.AuditLog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, auditEntries)
}

func TestWiredSubsystems(t *testing.T) {
	ctx := context.Background()
	refStore := referral.NewMemoryStore()
	refSvc := referral.NewService(refStore, referral.StaticReferrers{"user_b": "user_r"}, nil, nil)
	require.NoError(t, refSvc.Accrue(ctx, "esc_1", "user_b", 40))

	auditLog := audit.NewLog(audit.NewMemoryStore())
	auditLog.Record(ctx, "admin", "force_release", "esc_1", "node recovered")

	svc := NewService(transactions.NewMemoryStore(), refSvc, auditLog,
		SystemStatus{Env: "production", CryptoEnabled: true, Persistent: true})

	entries, err := svc.RecentReferrals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 8.0, entries[0].AmountUSD)

	auditEntries, err := svc.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, auditEntries, 1)
	assert.Equal(t, "force_release", auditEntries[0].Action)

	assert.True(t, svc.Status().CryptoEnabled)
	assert.False(t, svc.Status().CardEnabled)
}
