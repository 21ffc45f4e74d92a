// Package checkout aggregates multi-item carts into funding sessions.
//
// A cart holds line items bound for different sellers in a mix of currencies
// and rails. The aggregator groups items by (method, currency): each crypto
// group gets one funding address covering the group total, and each card
// group gets one authorization order. Once every group is funded the session
// fans out into one escrow per line item, all disbursing from their group's
// aggregator.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adam-php/medius/internal/cardrail"
	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/custody"
	"github.com/adam-php/medius/internal/escrow"
	"github.com/adam-php/medius/internal/idgen"
	"github.com/adam-php/medius/internal/logging"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/syncutil"
	"github.com/adam-php/medius/internal/validation"
)

var (
	ErrSessionNotFound = errors.New("checkout session not found")
	ErrNotOwner        = errors.New("not the owner of this checkout session")
	ErrNotFunded       = errors.New("checkout session not fully funded")
	ErrAlreadyFinal    = errors.New("checkout session already finalized")
	ErrEmptyCart       = errors.New("checkout requires at least one item")
)

// Session statuses.
const (
	StatusFunding   = "funding"
	StatusFunded    = "funded"
	StatusCompleted = "completed"
)

// Item is one cart line bound for a specific seller.
type Item struct {
	SellerID string  `json:"seller_id"`
	Title    string  `json:"title,omitempty"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Method   string  `json:"payment_method"`
}

// Group is one (method, currency) funding batch inside a session.
type Group struct {
	Method   string  `json:"payment_method"`
	Currency string  `json:"currency"`
	Required float64 `json:"required"`
	Observed float64 `json:"observed"`
	Funded   bool    `json:"funded"`

	// crypto groups
	FundingAddress string `json:"funding_address,omitempty"`

	// card groups
	OrderID         string `json:"order_id,omitempty"`
	ApprovalURL     string `json:"approval_url,omitempty"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	CaptureID       string `json:"capture_id,omitempty"`
}

// Session is one multi-item checkout in flight.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Items       []Item    `json:"items"`
	Groups      []*Group  `json:"groups"`
	Status      string    `json:"status"`
	CallbackURL string    `json:"callback_url,omitempty"`
	EscrowIDs   []string  `json:"escrow_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// group finds the batch for a (method, currency) pair.
func (s *Session) group(method, currency string) *Group {
	for _, g := range s.Groups {
		if g.Method == method && g.Currency == currency {
			return g
		}
	}
	return nil
}

// AllFunded reports whether every group has confirmed funding.
func (s *Session) AllFunded() bool {
	for _, g := range s.Groups {
		if !g.Funded {
			return false
		}
	}
	return len(s.Groups) > 0
}

// Store persists checkout sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	// UpdateStatusIf flips status from→to atomically; the finalize fan-out
	// races on this so a session is only ever finalized once.
	UpdateStatusIf(ctx context.Context, id string, from, to string) (bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
}

// Service implements the checkout aggregator.
type Service struct {
	store      Store
	escrows    *escrow.Service
	wallets    *custody.Service
	cryptoRail cryptorail.Rail
	cardRail   cardrail.Rail

	frontendURL string

	// serializes funding checks and finalize per session
	locks *syncutil.KeyedMutex
}

// NewService creates the checkout service.
func NewService(store Store, escrows *escrow.Service, wallets *custody.Service, cryptoRail cryptorail.Rail, cardRail cardrail.Rail, frontendURL string) *Service {
	return &Service{
		store:       store,
		escrows:     escrows,
		wallets:     wallets,
		cryptoRail:  cryptoRail,
		cardRail:    cardRail,
		frontendURL: frontendURL,
		locks:       syncutil.NewKeyedMutex(),
	}
}

// Begin validates the cart, groups items by (method, currency), and
// provisions one funding target per group.
func (s *Service) Begin(ctx context.Context, userID string, items []Item, callbackURL string) (*Session, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	for i := range items {
		items[i].Currency = validation.NormalizeCurrency(items[i].Currency)
		if !validation.IsSupportedCurrency(items[i].Currency) {
			return nil, fmt.Errorf("item %d: unsupported currency %q", i, items[i].Currency)
		}
		if items[i].Method != string(escrow.MethodCrypto) && items[i].Method != string(escrow.MethodCard) {
			return nil, fmt.Errorf("item %d: invalid payment method %q", i, items[i].Method)
		}
		if items[i].Amount <= 0 {
			return nil, fmt.Errorf("item %d: amount must be positive", i)
		}
		if items[i].SellerID == "" {
			return nil, fmt.Errorf("item %d: seller_id required", i)
		}
		if items[i].SellerID == userID {
			return nil, fmt.Errorf("item %d: cannot buy from yourself", i)
		}
	}

	now := time.Now().UTC()
	session := &Session{
		ID:          idgen.WithPrefix("chk_"),
		UserID:      userID,
		Items:       items,
		Status:      StatusFunding,
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Deterministic group order keeps responses stable for clients.
	totals := make(map[[2]string]float64)
	var keys [][2]string
	for _, it := range items {
		k := [2]string{it.Method, it.Currency}
		if _, seen := totals[k]; !seen {
			keys = append(keys, k)
		}
		totals[k] += it.Amount
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	for _, k := range keys {
		g := &Group{Method: k[0], Currency: k[1], Required: totals[k]}
		if err := s.provisionGroup(ctx, session, g); err != nil {
			return nil, err
		}
		session.Groups = append(session.Groups, g)
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	metrics.CheckoutSessionsTotal.WithLabelValues(StatusFunding).Inc()
	logging.L(ctx).Info("checkout session started",
		"session_id", session.ID, "items", len(items), "groups", len(session.Groups))
	return session, nil
}

func (s *Service) provisionGroup(ctx context.Context, session *Session, g *Group) error {
	switch g.Method {
	case string(escrow.MethodCrypto):
		if s.cryptoRail == nil {
			return fmt.Errorf("crypto rail not configured")
		}
		// One aggregator wallet per group, owned by the session so every
		// fan-out escrow can adopt it later.
		addr, err := s.wallets.GetOrCreateDeposit(ctx, aggregatorKey(session.ID, g.Currency), g.Currency)
		if err != nil {
			return fmt.Errorf("aggregator wallet for %s: %w", g.Currency, err)
		}
		g.FundingAddress = addr
		return nil

	case string(escrow.MethodCard):
		if s.cardRail == nil {
			return fmt.Errorf("card rail not configured")
		}
		returnURL := fmt.Sprintf("%s/checkout/%s?card=success", s.frontendURL, session.ID)
		cancelURL := fmt.Sprintf("%s/checkout/%s?card=cancel", s.frontendURL, session.ID)
		oc, err := s.cardRail.CreateAuthorization(ctx, g.Required, "checkout_"+session.ID, returnURL, cancelURL)
		if err != nil {
			return fmt.Errorf("card order for checkout group: %w", err)
		}
		g.OrderID = oc.OrderID
		g.ApprovalURL = oc.ApprovalURL
		return nil
	}
	return fmt.Errorf("invalid payment method %q", g.Method)
}

// Get returns a session visible to its owner.
func (s *Service) Get(ctx context.Context, id, userID string) (*Session, error) {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrNotOwner
	}
	return session, nil
}

// ListForUser returns the caller's sessions, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// CheckFunding polls each unfunded group's rail and flips the session to
// funded once every group has its money. Idempotent.
func (s *Service) CheckFunding(ctx context.Context, id, userID string) (*Session, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrNotOwner
	}
	if session.Status != StatusFunding {
		return session, nil
	}

	changed := false
	for _, g := range session.Groups {
		if g.Funded {
			continue
		}
		funded, err := s.checkGroup(ctx, g)
		if err != nil {
			logging.L(ctx).Warn("checkout group funding check failed",
				"session_id", id, "method", g.Method, "currency", g.Currency, "error", err)
			continue
		}
		if funded {
			g.Funded = true
			changed = true
		}
	}

	if session.AllFunded() {
		session.Status = StatusFunded
		changed = true
		metrics.CheckoutSessionsTotal.WithLabelValues(StatusFunded).Inc()
		logging.L(ctx).Info("checkout session funded", "session_id", id)
	}
	if changed {
		session.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, session); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (s *Service) checkGroup(ctx context.Context, g *Group) (bool, error) {
	switch g.Method {
	case string(escrow.MethodCrypto):
		balance, err := s.cryptoRail.IncomingBalance(ctx, g.Currency, g.FundingAddress)
		if err != nil {
			return false, err
		}
		g.Observed = balance
		return balance >= g.Required, nil

	case string(escrow.MethodCard):
		authID, err := s.cardRail.AuthorizationID(ctx, g.OrderID)
		if err != nil {
			if errors.Is(err, cardrail.ErrNotApproved) {
				return false, nil
			}
			return false, err
		}
		g.AuthorizationID = authID
		g.Observed = g.Required
		return true, nil
	}
	return false, fmt.Errorf("invalid payment method %q", g.Method)
}

// Finalize fans a funded session out into one escrow per line item. Card
// groups are captured once here for the group total; every item escrow
// then disburses its own share. At most one caller wins the fan-out.
func (s *Service) Finalize(ctx context.Context, id, userID string) (*Session, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrNotOwner
	}
	if session.Status == StatusCompleted {
		return nil, ErrAlreadyFinal
	}
	if session.Status != StatusFunded || !session.AllFunded() {
		return nil, ErrNotFunded
	}

	won, err := s.store.UpdateStatusIf(ctx, id, StatusFunded, StatusCompleted)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyFinal
	}

	// Capture each card group's total up front so per-item settlement only
	// needs the payout leg.
	for _, g := range session.Groups {
		if g.Method != string(escrow.MethodCard) || g.CaptureID != "" {
			continue
		}
		captureID, err := s.cardRail.Capture(ctx, g.AuthorizationID, g.Required)
		if err != nil {
			// roll the status back so the buyer can retry finalize
			_, _ = s.store.UpdateStatusIf(ctx, id, StatusCompleted, StatusFunded)
			return nil, fmt.Errorf("capture checkout group: %w", err)
		}
		g.CaptureID = captureID
	}

	for _, item := range session.Items {
		g := session.group(item.Method, item.Currency)
		e, err := s.createItemEscrow(ctx, session, item, g)
		if err != nil {
			logging.L(ctx).Error("checkout fan-out failed for item",
				"session_id", id, "seller_id", item.SellerID, "error", err)
			continue
		}
		session.EscrowIDs = append(session.EscrowIDs, e.ID)
	}

	session.Status = StatusCompleted
	session.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	metrics.CheckoutSessionsTotal.WithLabelValues(StatusCompleted).Inc()
	logging.L(ctx).Info("checkout session finalized",
		"session_id", id, "escrows", len(session.EscrowIDs))
	return session, nil
}

func (s *Service) createItemEscrow(ctx context.Context, session *Session, item Item, g *Group) (*escrow.Escrow, error) {
	req := escrow.CreateRequest{
		BuyerID:     session.UserID,
		SellerID:    item.SellerID,
		Title:       item.Title,
		Amount:      item.Amount,
		Currency:    item.Currency,
		Method:      escrow.Method(item.Method),
		CallbackURL: session.CallbackURL,
		SessionID:   session.ID,
	}

	switch item.Method {
	case string(escrow.MethodCrypto):
		e, err := s.escrows.CreateFunded(ctx, req,
			&escrow.CryptoDetails{DepositAddress: g.FundingAddress}, nil, "checkout_aggregator")
		if err != nil {
			return nil, err
		}
		// Let the item escrow spend from the aggregator wallet.
		aggWallet, err := s.wallets.Wallet(ctx, aggregatorKey(session.ID, g.Currency))
		if err != nil {
			return nil, err
		}
		if err := s.wallets.Adopt(ctx, e.ID, aggWallet); err != nil {
			return nil, err
		}
		return e, nil

	case string(escrow.MethodCard):
		return s.escrows.CreateFunded(ctx, req, nil, &escrow.CardDetails{
			OrderID:         g.OrderID,
			AuthorizationID: g.AuthorizationID,
			CaptureID:       g.CaptureID,
		}, g.CaptureID)
	}
	return nil, fmt.Errorf("invalid payment method %q", item.Method)
}

func aggregatorKey(sessionID, currency string) string {
	return sessionID + "_" + currency
}
