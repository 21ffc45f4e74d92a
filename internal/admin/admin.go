// Package admin provides the operator-facing read endpoints: recent money
// movement, referral ledger activity, the audit trail, and rail status.
// Escrow override operations live with the escrow handler; this package is
// the dashboard data behind them.
package admin

import (
	"context"

	"github.com/adam-php/medius/internal/audit"
	"github.com/adam-php/medius/internal/referral"
	"github.com/adam-php/medius/internal/transactions"
)

// SystemStatus reports which rails and stores this deployment runs with.
type SystemStatus struct {
	Env           string `json:"env"`
	CryptoEnabled bool   `json:"crypto_enabled"`
	CardEnabled   bool   `json:"card_enabled"`
	Persistent    bool   `json:"persistent"`
}

// AuditSource reads recent audit entries.
type AuditSource interface {
	Recent(ctx context.Context, limit int) ([]*audit.Entry, error)
}

// ReferralSource reads recent referral ledger entries.
type ReferralSource interface {
	RecentEntries(ctx context.Context, limit int) ([]*referral.Entry, error)
}

// Service aggregates the admin dashboard data.
type Service struct {
	txns      transactions.Store
	referrals ReferralSource
	auditLog  AuditSource
	status    SystemStatus
}

// NewService creates the admin dashboard service. referrals and auditLog
// may be nil when those subsystems are disabled.
func NewService(txns transactions.Store, referrals ReferralSource, auditLog AuditSource, status SystemStatus) *Service {
	return &Service{txns: txns, referrals: referrals, auditLog: auditLog, status: status}
}

// RecentTransactions returns the newest platform money movements.
func (s *Service) RecentTransactions(ctx context.Context, limit int) ([]*transactions.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.txns.ListRecent(ctx, limit)
}

// RecentReferrals returns the newest referral ledger entries.
func (s *Service) RecentReferrals(ctx context.Context, limit int) ([]*referral.Entry, error) {
	if s.referrals == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.referrals.RecentEntries(ctx, limit)
}

// AuditLog returns the newest admin audit entries.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]*audit.Entry, error) {
	if s.auditLog == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.auditLog.Recent(ctx, limit)
}

// Status returns the deployment's rail and storage configuration.
func (s *Service) Status() SystemStatus {
	return s.status
}
