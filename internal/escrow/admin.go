package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/logging"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/transactions"
)

// Admin operations bypass the dual-confirmation protocol. Every call is
// written to the audit log before any state changes.

// ForceRelease settles a funded or release_failed escrow to the seller
// without waiting for party confirmation. The usual funded→processing guard
// still applies so a concurrent party release cannot double-settle.
func (s *Service) ForceRelease(ctx context.Context, id, adminID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded && e.Status != StatusReleaseFailed {
		return nil, ErrInvalidStatus
	}
	if !e.PayoutTargetSet() {
		return nil, ErrSellerDetailsMissing
	}
	s.recordAudit(ctx, adminID, "force_release", id, string(e.Status))

	won, err := s.store.UpdateStatusIf(ctx, id, e.Status, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrProcessing
	}
	logging.L(ctx).Warn("admin force release", "escrow_id", id, "admin_id", adminID)
	return s.settleAndFinalize(ctx, e)
}

// AdminCancel cancels an escrow regardless of party actions. Funded escrows
// remain refundable by the buyer afterwards.
func (s *Service) AdminCancel(ctx context.Context, id, adminID, reason string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending && e.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}
	s.recordAudit(ctx, adminID, "cancel", id, reason)

	ok, err := s.store.UpdateStatusIf(ctx, id, e.Status, StatusCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProcessing
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	logging.L(ctx).Warn("admin cancelled escrow",
		"escrow_id", id, "admin_id", adminID, "reason", reason)
	return s.store.Get(ctx, id)
}

// ResolveDispute decides a disputed escrow: winner "seller" releases the
// funds, winner "buyer" refunds them. The escrow lands in dispute_resolved
// either way, with the outcome recorded on the record.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID, winner, refundAddress string) (*Escrow, error) {
	if winner != "buyer" && winner != "seller" {
		return nil, fmt.Errorf("winner must be buyer or seller")
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded && e.Status != StatusReleaseFailed {
		return nil, ErrInvalidStatus
	}
	s.recordAudit(ctx, adminID, "resolve_dispute", id, "winner="+winner)

	won, err := s.store.UpdateStatusIf(ctx, id, e.Status, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrProcessing
	}

	var settleErr error
	if winner == "seller" {
		if !e.PayoutTargetSet() {
			settleErr = ErrSellerDetailsMissing
		} else {
			settleErr = s.settle(ctx, e)
		}
	} else {
		settleErr = s.refundDisputed(ctx, e, refundAddress)
	}

	fresh, getErr := s.store.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if settleErr != nil {
		fresh.Status = StatusReleaseFailed
		fresh.FailureReason = truncate(settleErr.Error(), 500)
		fresh.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, fresh); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrReleaseFailed, settleErr)
	}

	now := time.Now().UTC()
	fresh.Status = StatusDisputeResolved
	fresh.Resolution = winner
	fresh.CompletedAt = &now
	fresh.UpdatedAt = now
	fresh.Card = e.Card
	if err := s.store.Update(ctx, fresh); err != nil {
		return nil, err
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputeResolved)).Inc()
	logging.L(ctx).Warn("dispute resolved",
		"escrow_id", id, "admin_id", adminID, "winner", winner)
	return fresh, nil
}

// refundDisputed returns the held funds to the buyer during dispute
// resolution, without requiring the escrow to be cancelled first.
func (s *Service) refundDisputed(ctx context.Context, e *Escrow, refundAddress string) error {
	switch e.Method {
	case MethodCrypto:
		if refundAddress == "" && e.Crypto != nil {
			refundAddress = e.Crypto.RefundAddress
		}
		if refundAddress == "" {
			return fmt.Errorf("refund address required")
		}
		wallet, err := s.wallets.Wallet(ctx, e.ID)
		if err != nil {
			return err
		}
		txRef, err := s.cryptoRail.Send(ctx, cryptoSend(e, wallet.Address, wallet.Mnemonic, wallet.AddressIndex, refundAddress, e.Amount))
		if err != nil {
			return err
		}
		return s.txns.Create(ctx, txnRefund(e.ID, e.Amount, e.Currency, txRef).WithUSD(e.USDAmount))

	case MethodCard:
		if e.Card == nil || e.Card.AuthorizationID == "" {
			return fmt.Errorf("no authorization to void")
		}
		if e.Card.CaptureID != "" {
			refundID, err := s.cardRail.Refund(ctx, e.Card.CaptureID, e.Amount)
			if err != nil {
				return err
			}
			return s.txns.Create(ctx, txnRefund(e.ID, e.Amount, "USD", refundID).WithUSD(e.Amount))
		}
		if err := s.cardRail.Void(ctx, e.Card.AuthorizationID); err != nil {
			return err
		}
		return s.txns.Create(ctx, txnRefund(e.ID, e.Amount, "USD", "").WithUSD(e.Amount))
	}
	return fmt.Errorf("invalid payment method %q", e.Method)
}

// RegenerateWallet replaces the deposit address of an unfunded crypto
// escrow. Used when a buyer reports a broken or compromised address.
func (s *Service) RegenerateWallet(ctx context.Context, id, adminID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Method != MethodCrypto {
		return nil, ErrInvalidStatus
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	s.recordAudit(ctx, adminID, "regenerate_wallet", id, "")

	addr, err := s.wallets.Regenerate(ctx, e.ID, e.Currency)
	if err != nil {
		return nil, err
	}
	if e.Crypto == nil {
		e.Crypto = &CryptoDetails{}
	}
	e.Crypto.DepositAddress = addr
	e.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	logging.L(ctx).Warn("deposit wallet regenerated", "escrow_id", id, "admin_id", adminID)
	return e, nil
}

func (s *Service) recordAudit(ctx context.Context, adminID, action, escrowID, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, adminID, action, escrowID, detail)
}

func cryptoSend(e *Escrow, from, mnemonic string, index int, to string, amount float64) cryptorail.SendRequest {
	return cryptorail.SendRequest{
		Currency:     e.Currency,
		FromAddress:  from,
		Mnemonic:     mnemonic,
		AddressIndex: index,
		ToAddress:    to,
		Amount:       amount,
	}
}

func txnRefund(escrowID string, amount float64, currency, txRef string) *transactions.Record {
	return transactions.New(escrowID, transactions.TypeRefund, amount, currency, txRef)
}
