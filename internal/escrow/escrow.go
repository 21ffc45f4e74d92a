// Package escrow implements the settlement engine at the heart of Medius.
//
// Flow:
//  1. Buyer and seller agree on a trade → escrow created (pending) with a
//     funding target: a deposit address on the crypto rail or a card
//     authorization order.
//  2. Buyer funds it → funding detection flips the escrow to funded exactly
//     once and fires the fulfillment callback.
//  3. Both parties submit an action. Matching release actions settle through
//     the rail; matching cancel actions cancel the trade.
//  4. Settlement disburses net amount to the seller and the platform fee to
//     the fee wallet, then the escrow is completed. A failed seller payout
//     parks the escrow in release_failed for manual resolution.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adam-php/medius/internal/cardrail"
	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/custody"
	"github.com/adam-php/medius/internal/fees"
	"github.com/adam-php/medius/internal/idgen"
	"github.com/adam-php/medius/internal/logging"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/notify"
	"github.com/adam-php/medius/internal/pagination"
	"github.com/adam-php/medius/internal/transactions"
	"github.com/adam-php/medius/internal/validation"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrUnauthorized         = errors.New("not authorized for this escrow operation")
	ErrInvalidStatus        = errors.New("invalid escrow status for this operation")
	ErrInvalidAction        = errors.New("invalid action")
	ErrAlreadyFunded        = errors.New("escrow already funded")
	ErrProcessing           = errors.New("settlement already being processed")
	ErrSellerDetailsMissing = errors.New("seller payout details required before release")
	ErrReleaseFailed        = errors.New("failed to release funds")
	ErrRailUnavailable      = errors.New("payment rail not configured")
	ErrSelfDeal             = errors.New("cannot create escrow with yourself")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending         Status = "pending"          // created, awaiting funding
	StatusFunded          Status = "funded"           // funds observed / hold placed
	StatusProcessing      Status = "processing"       // settlement in flight
	StatusCompleted       Status = "completed"        // seller paid out
	StatusReleaseFailed   Status = "release_failed"   // settlement failed, needs a human
	StatusCancelled       Status = "cancelled"        // both parties cancelled
	StatusRefunded        Status = "refunded"         // buyer made whole
	StatusDisputeResolved Status = "dispute_resolved" // admin decided the outcome
)

// IsTerminal returns true if the escrow is in a final state.
// release_failed is terminal for the state machine but remains visible to
// admins for force-release.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusDisputeResolved:
		return true
	}
	return false
}

// Action is a party's submitted intent.
type Action string

const (
	ActionNone    Action = ""
	ActionRelease Action = "release"
	ActionCancel  Action = "cancel"
)

// Party identifies which side of the trade submitted an action.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Method is the settlement rail an escrow rides on.
type Method string

const (
	MethodCrypto Method = "crypto"
	MethodCard   Method = "card"
)

// CryptoDetails carries the crypto-rail fields of an escrow.
type CryptoDetails struct {
	DepositAddress string `json:"deposit_address,omitempty"`
	SellerAddress  string `json:"seller_address,omitempty"`
	RefundAddress  string `json:"refund_address,omitempty"`
}

// CardDetails carries the card-rail fields of an escrow.
type CardDetails struct {
	OrderID         string `json:"order_id,omitempty"`
	ApprovalURL     string `json:"approval_url,omitempty"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	CaptureID       string `json:"capture_id,omitempty"`
	SellerEmail     string `json:"seller_email,omitempty"`
}

// Fulfillment tracks outbound callback delivery for the escrow.
type Fulfillment struct {
	URL            string     `json:"url,omitempty"`
	Status         string     `json:"status,omitempty"` // "", "success", "failed"
	Attempts       int        `json:"attempts,omitempty"`
	LastCode       int        `json:"last_code,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastAt         *time.Time `json:"last_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// Escrow is one held trade. Exactly one of Crypto/Card is set, matching Method.
type Escrow struct {
	ID       string  `json:"id"`
	BuyerID  string  `json:"buyer_id"`
	SellerID string  `json:"seller_id"`
	Title    string  `json:"title,omitempty"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Method   Method  `json:"payment_method"`
	Status   Status  `json:"status"`

	FeeRate   float64 `json:"platform_fee_rate"`
	FeeAmount float64 `json:"platform_fee_amount"`
	NetAmount float64 `json:"net_amount"`
	USDAmount float64 `json:"usd_amount"`

	BuyerAction  Action `json:"buyer_action,omitempty"`
	SellerAction Action `json:"seller_action,omitempty"`

	Crypto *CryptoDetails `json:"crypto,omitempty"`
	Card   *CardDetails   `json:"card,omitempty"`

	Fulfillment Fulfillment `json:"fulfillment,omitempty"`

	// CheckoutSessionID links escrows fanned out from one cart session.
	CheckoutSessionID string `json:"checkout_session_id,omitempty"`

	FailureReason string     `json:"failure_reason,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	FundedAt      *time.Time `json:"funded_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Participant reports whether userID is a party to the escrow.
func (e *Escrow) Participant(userID string) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

// PayoutTargetSet reports whether the seller has declared where to be paid.
func (e *Escrow) PayoutTargetSet() bool {
	switch e.Method {
	case MethodCrypto:
		return e.Crypto != nil && e.Crypto.SellerAddress != ""
	case MethodCard:
		return e.Card != nil && e.Card.SellerEmail != ""
	}
	return false
}

// Store persists escrow data. SetAction and UpdateStatusIf are conditional
// writes: they succeed only if the stored status still matches the expected
// value, which is what keeps concurrent confirmations from double-releasing.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	Delete(ctx context.Context, id string) error
	// SetAction writes one party's action iff status is still expectStatus.
	// Returns false (and no error) when the condition fails.
	SetAction(ctx context.Context, id string, party Party, action Action, expectStatus Status) (bool, error)
	// UpdateStatusIf flips status from→to atomically. Returns false when the
	// escrow was not in the from status.
	UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error)
	// MarkFunded writes the funding fields only, leaving the rest of the row
	// untouched so it cannot clobber concurrent writes made since the caller
	// read the escrow. An empty cardAuthID keeps the stored authorization.
	MarkFunded(ctx context.Context, id string, fundedAt time.Time, cardAuthID string) error
	// ListByUser returns escrows where userID is a party, newest first.
	// A non-nil cursor resumes the scan past the cursor position.
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Escrow, error)
	// ListByStatus returns escrows in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// ReferralAccruer accrues a referral commission for a completed escrow.
// Implemented by the referral ledger; kept as an interface so escrow does
// not import it.
type ReferralAccruer interface {
	Accrue(ctx context.Context, escrowID, buyerID string, feeUSD float64) error
}

// AuditRecorder records admin override actions.
type AuditRecorder interface {
	Record(ctx context.Context, adminID, action, escrowID, detail string)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID  string
	SellerID string
	Title    string
	Amount   float64
	Currency string
	Method   Method
	// USDHint is the client-supplied USD valuation used only for minimum
	// checks; the persisted valuation comes from the fee engine.
	USDHint float64
	// CallbackURL receives the funded event, if set.
	CallbackURL string
	// ReturnURL/CancelURL are card-rail redirect targets.
	ReturnURL string
	CancelURL string
	// SessionID marks escrows created by checkout fan-out.
	SessionID string
}

// Service implements the escrow state machine and settlement dispatch.
type Service struct {
	store      Store
	wallets    *custody.Service
	cryptoRail cryptorail.Rail
	cardRail   cardrail.Rail
	txns       transactions.Store
	fees       *fees.Engine
	referrals  ReferralAccruer
	notifier   notify.Deliverer
	audit      AuditRecorder

	// feeAddresses maps currency → platform fee-collection address.
	feeAddresses map[string]string
	frontendURL  string
}

// NewService creates the escrow service. Rails may be nil when the
// corresponding method is not configured; operations on that method fail
// with ErrRailUnavailable.
func NewService(store Store, wallets *custody.Service, feeEngine *fees.Engine, txns transactions.Store) *Service {
	return &Service{
		store:        store,
		wallets:      wallets,
		fees:         feeEngine,
		txns:         txns,
		feeAddresses: make(map[string]string),
	}
}

// WithCryptoRail wires the crypto rail and fee-collection addresses.
func (s *Service) WithCryptoRail(rail cryptorail.Rail, feeAddresses map[string]string) *Service {
	s.cryptoRail = rail
	for cur, addr := range feeAddresses {
		s.feeAddresses[strings.ToUpper(cur)] = addr
	}
	return s
}

// WithCardRail wires the card rail.
func (s *Service) WithCardRail(rail cardrail.Rail) *Service {
	s.cardRail = rail
	return s
}

// WithReferrals wires referral commission accrual.
func (s *Service) WithReferrals(r ReferralAccruer) *Service {
	s.referrals = r
	return s
}

// WithNotifier wires the outbound fulfillment callback.
func (s *Service) WithNotifier(n notify.Deliverer) *Service {
	s.notifier = n
	return s
}

// WithAudit wires the admin audit log.
func (s *Service) WithAudit(a AuditRecorder) *Service {
	s.audit = a
	return s
}

// WithFrontendURL sets the base for card-rail redirect URLs.
func (s *Service) WithFrontendURL(u string) *Service {
	s.frontendURL = strings.TrimRight(u, "/")
	return s
}

// Create quotes the fee, persists the escrow, and provisions its funding
// target. Provisioning failures roll the record back so a retry starts clean.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.BuyerID == req.SellerID {
		return nil, ErrSelfDeal
	}
	currency := validation.NormalizeCurrency(req.Currency)
	if !validation.IsSupportedCurrency(currency) {
		return nil, fmt.Errorf("unsupported currency %q", req.Currency)
	}
	usdHint := req.USDHint
	if usdHint == 0 && currency == "USD" {
		usdHint = req.Amount
	}
	if usdHint == 0 {
		usdHint = -1
	}
	if err := validation.CheckAmount(req.Amount, currency, usdHint); err != nil {
		return nil, err
	}
	if req.Method != MethodCrypto && req.Method != MethodCard {
		return nil, fmt.Errorf("invalid payment method %q", req.Method)
	}
	if req.Method == MethodCrypto && s.cryptoRail == nil {
		return nil, ErrRailUnavailable
	}
	if req.Method == MethodCard && s.cardRail == nil {
		return nil, ErrRailUnavailable
	}

	quote, err := s.fees.Quote(ctx, req.Amount, currency, string(req.Method))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:                idgen.WithPrefix("esc_"),
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		Title:             req.Title,
		Amount:            req.Amount,
		Currency:          currency,
		Method:            req.Method,
		Status:            StatusPending,
		FeeRate:           quote.Rate,
		FeeAmount:         quote.FeeAmount,
		NetAmount:         quote.NetAmount,
		USDAmount:         quote.USDAmount,
		CheckoutSessionID: req.SessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if e.Title == "" {
		e.Title = "Escrow #" + e.ID[len(e.ID)-8:]
	}
	if req.CallbackURL != "" {
		e.Fulfillment = Fulfillment{
			URL:            req.CallbackURL,
			IdempotencyKey: idgen.WithPrefix("evt_"),
		}
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	if err := s.provision(ctx, e, req); err != nil {
		_ = s.store.Delete(ctx, e.ID)
		return nil, err
	}
	if err := s.store.Update(ctx, e); err != nil {
		_ = s.store.Delete(ctx, e.ID)
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("escrow created",
		"escrow_id", e.ID, "method", e.Method, "currency", e.Currency, "amount", e.Amount)
	return e, nil
}

// provision attaches the funding target for the escrow's method.
func (s *Service) provision(ctx context.Context, e *Escrow, req CreateRequest) error {
	switch e.Method {
	case MethodCrypto:
		addr, err := s.wallets.GetOrCreateDeposit(ctx, e.ID, e.Currency)
		if err != nil {
			return fmt.Errorf("generate deposit address: %w", err)
		}
		e.Crypto = &CryptoDetails{DepositAddress: addr}
		return nil

	case MethodCard:
		returnURL := req.ReturnURL
		cancelURL := req.CancelURL
		if returnURL == "" {
			returnURL = fmt.Sprintf("%s/escrow/%s?card=success", s.frontendURL, e.ID)
		}
		if cancelURL == "" {
			cancelURL = fmt.Sprintf("%s/escrow/%s?card=cancel", s.frontendURL, e.ID)
		}
		oc, err := s.cardRail.CreateAuthorization(ctx, e.Amount, "escrow_"+e.ID, returnURL, cancelURL)
		if err != nil {
			return fmt.Errorf("create card authorization order: %w", err)
		}
		e.Card = &CardDetails{OrderID: oc.OrderID, ApprovalURL: oc.ApprovalURL}
		return nil

	default:
		return fmt.Errorf("invalid payment method %q", e.Method)
	}
}

// CreateFunded creates an escrow whose funding already happened through a
// checkout aggregator. No rail provisioning runs; the record is born funded
// with the supplied rail details and disburses from the aggregator on
// settlement.
func (s *Service) CreateFunded(ctx context.Context, req CreateRequest, crypto *CryptoDetails, card *CardDetails, railRef string) (*Escrow, error) {
	currency := validation.NormalizeCurrency(req.Currency)
	quote, err := s.fees.Quote(ctx, req.Amount, currency, string(req.Method))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:                idgen.WithPrefix("esc_"),
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		Title:             req.Title,
		Amount:            req.Amount,
		Currency:          currency,
		Method:            req.Method,
		Status:            StatusPending,
		FeeRate:           quote.Rate,
		FeeAmount:         quote.FeeAmount,
		NetAmount:         quote.NetAmount,
		USDAmount:         quote.USDAmount,
		Crypto:            crypto,
		Card:              card,
		CheckoutSessionID: req.SessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.CallbackURL != "" {
		e.Fulfillment = Fulfillment{
			URL:            req.CallbackURL,
			IdempotencyKey: idgen.WithPrefix("evt_"),
		}
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusPending)).Inc()

	funded, _, err := s.markFunded(ctx, e, railRef)
	if err != nil {
		return nil, err
	}
	return funded, nil
}

// Get returns an escrow visible to the caller.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Participant(callerID) {
		return nil, ErrUnauthorized
	}
	return e, nil
}

// ListForUser returns one page of the caller's escrows, newest first, plus
// an opaque cursor for the next page when more remain.
func (s *Service) ListForUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.store.ListByUser(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(list, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, more, nil
}

// CheckFunding polls the crypto rail and flips pending→funded exactly once
// when the observed balance covers the amount. Safe to call repeatedly.
func (s *Service) CheckFunding(ctx context.Context, id, callerID string) (*Escrow, bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if e.BuyerID != callerID {
		return nil, false, ErrUnauthorized
	}
	if e.Method != MethodCrypto || e.Crypto == nil || e.Crypto.DepositAddress == "" {
		return nil, false, ErrInvalidStatus
	}
	if e.Status != StatusPending {
		// Already funded (or beyond); report current truth.
		return e, e.Status != StatusPending, nil
	}

	balance, err := s.cryptoRail.IncomingBalance(ctx, e.Currency, e.Crypto.DepositAddress)
	if err != nil {
		return nil, false, err
	}
	if balance < e.Amount {
		return e, false, nil
	}

	return s.markFunded(ctx, e, "pending_verification")
}

// PendingFunding returns ids of pending crypto escrows that have a deposit
// address to watch. Used by the deposit watcher sweep.
func (s *Service) PendingFunding(ctx context.Context, limit int) ([]string, error) {
	list, err := s.store.ListByStatus(ctx, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range list {
		if e.Method == MethodCrypto && e.Crypto != nil && e.Crypto.DepositAddress != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// CheckDeposit polls the rail for one escrow's deposit without a caller
// check; the watcher runs it on behalf of the system. Reports whether the
// escrow is funded after the check.
func (s *Service) CheckDeposit(ctx context.Context, id string) (bool, error) {
	if s.cryptoRail == nil {
		return false, ErrRailUnavailable
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Method != MethodCrypto || e.Crypto == nil || e.Crypto.DepositAddress == "" {
		return false, nil
	}
	if e.Status != StatusPending {
		return true, nil
	}

	balance, err := s.cryptoRail.IncomingBalance(ctx, e.Currency, e.Crypto.DepositAddress)
	if err != nil {
		return false, err
	}
	if balance < e.Amount {
		return false, nil
	}
	_, funded, err := s.markFunded(ctx, e, "deposit_watcher")
	return funded, err
}

// AttachCardAuthorization resolves the authorization for an approved card
// order and flips pending→funded. The losing side of a concurrent attach
// gets ErrAlreadyFunded.
func (s *Service) AttachCardAuthorization(ctx context.Context, id, callerID, orderID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Participant(callerID) {
		return nil, ErrUnauthorized
	}
	if e.Method != MethodCard || e.Card == nil {
		return nil, ErrInvalidStatus
	}
	if orderID == "" {
		orderID = e.Card.OrderID
	}

	authID, err := s.cardRail.AuthorizationID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	e.Card.AuthorizationID = authID
	updated, funded, err := s.markFunded(ctx, e, authID)
	if err != nil {
		return nil, err
	}
	if !funded {
		return nil, ErrAlreadyFunded
	}
	return updated, nil
}

// markFunded performs the exactly-once pending→funded flip, records the
// deposit, and fires the fulfillment callback.
func (s *Service) markFunded(ctx context.Context, e *Escrow, railRef string) (*Escrow, bool, error) {
	flipped, err := s.store.UpdateStatusIf(ctx, e.ID, StatusPending, StatusFunded)
	if err != nil {
		return nil, false, err
	}
	if !flipped {
		current, err := s.store.Get(ctx, e.ID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	// Field-scoped write: seller details set by a concurrent request since
	// the caller's read must survive the funding flip.
	var cardAuthID string
	if e.Card != nil {
		cardAuthID = e.Card.AuthorizationID
	}
	if err := s.store.MarkFunded(ctx, e.ID, time.Now().UTC(), cardAuthID); err != nil {
		return nil, false, err
	}
	funded, err := s.store.Get(ctx, e.ID)
	if err != nil {
		return nil, false, err
	}

	_ = s.txns.Create(ctx, transactions.New(funded.ID, transactions.TypeDeposit, funded.Amount, funded.Currency, railRef).WithUSD(funded.USDAmount))
	metrics.EscrowsTotal.WithLabelValues(string(StatusFunded)).Inc()
	logging.L(ctx).Info("escrow funded", "escrow_id", funded.ID, "method", funded.Method)

	s.dispatchFundedCallback(funded)
	return funded, true, nil
}

// SetSellerDetails records where the seller wants to be paid. Allowed while
// the escrow is pending or funded.
func (s *Service) SetSellerDetails(ctx context.Context, id, callerID, address, email string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending && e.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	switch e.Method {
	case MethodCrypto:
		if address == "" {
			return nil, fmt.Errorf("seller address required")
		}
		if !validation.IsValidAddress(address, e.Currency) {
			return nil, fmt.Errorf("invalid address for %s", e.Currency)
		}
		if e.Crypto == nil {
			e.Crypto = &CryptoDetails{}
		}
		e.Crypto.SellerAddress = address

	case MethodCard:
		if email == "" {
			return nil, fmt.Errorf("seller payout email required")
		}
		if !validation.IsValidEmail(email) {
			return nil, fmt.Errorf("invalid email format")
		}
		if e.Card == nil {
			e.Card = &CardDetails{}
		}
		e.Card.SellerEmail = email
	}

	e.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Confirm records one party's action and, when both sides agree, either
// settles or cancels. Concurrent confirmations are resolved by conditional
// writes: the caller whose view went stale gets the current record back
// unchanged, and only one caller ever wins the funded→processing flip.
func (s *Service) Confirm(ctx context.Context, id, callerID string, action Action) (*Escrow, error) {
	if action != ActionRelease && action != ActionCancel {
		return nil, ErrInvalidAction
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Participant(callerID) {
		return nil, ErrUnauthorized
	}
	if e.Status.IsTerminal() || e.Status == StatusProcessing || e.Status == StatusReleaseFailed {
		return nil, ErrInvalidStatus
	}
	if action == ActionRelease {
		if e.Status != StatusFunded {
			return nil, ErrInvalidStatus
		}
		if !e.PayoutTargetSet() {
			return nil, ErrSellerDetailsMissing
		}
	}

	party := PartyBuyer
	if callerID == e.SellerID {
		party = PartySeller
	}

	ok, err := s.store.SetAction(ctx, id, party, action, e.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Status moved underneath us. Return truth, do not re-apply.
		return s.store.Get(ctx, id)
	}

	// Re-read after the write; checking agreement against the pre-write
	// snapshot would let two simultaneous first confirmations miss each
	// other.
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.BuyerAction != action || current.SellerAction != action {
		return current, nil
	}

	// Both parties agree.
	switch action {
	case ActionRelease:
		return s.release(ctx, current)
	case ActionCancel:
		return s.cancel(ctx, current)
	}
	return current, nil
}

// release wins the funded→processing flip and dispatches settlement.
func (s *Service) release(ctx context.Context, e *Escrow) (*Escrow, error) {
	won, err := s.store.UpdateStatusIf(ctx, e.ID, StatusFunded, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrProcessing
	}
	return s.settleAndFinalize(ctx, e)
}

// settleAndFinalize runs the dispatcher and lands the escrow in completed
// or release_failed. Callers must already hold the processing status.
func (s *Service) settleAndFinalize(ctx context.Context, e *Escrow) (*Escrow, error) {
	err := s.settle(ctx, e)

	fresh, getErr := s.store.Get(ctx, e.ID)
	if getErr != nil {
		return nil, getErr
	}

	if err != nil {
		fresh.Status = StatusReleaseFailed
		fresh.FailureReason = truncate(err.Error(), 500)
		fresh.UpdatedAt = time.Now().UTC()
		if updErr := s.store.Update(ctx, fresh); updErr != nil {
			logging.L(ctx).Error("failed to persist release_failed state",
				"escrow_id", e.ID, "error", updErr)
		}
		metrics.EscrowsTotal.WithLabelValues(string(StatusReleaseFailed)).Inc()
		metrics.SettlementsTotal.WithLabelValues(string(e.Method), "failed").Inc()
		logging.L(ctx).Error("settlement failed", "escrow_id", e.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrReleaseFailed, err)
	}

	now := time.Now().UTC()
	fresh.Status = StatusCompleted
	fresh.CompletedAt = &now
	fresh.UpdatedAt = now
	// carry over rail references written during settlement
	fresh.Card = e.Card
	if err := s.store.Update(ctx, fresh); err != nil {
		logging.L(ctx).Error("settled but failed to persist completed state",
			"escrow_id", e.ID, "error", err)
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.SettlementsTotal.WithLabelValues(string(e.Method), "completed").Inc()
	if fresh.FundedAt != nil {
		metrics.SettlementDuration.Observe(time.Since(*fresh.FundedAt).Seconds())
	}

	s.accrueReferral(ctx, fresh)
	logging.L(ctx).Info("escrow completed", "escrow_id", e.ID, "method", e.Method)
	return fresh, nil
}

// settle disburses through the escrow's rail. Crypto fee transfers are best
// effort; everything else is fatal.
func (s *Service) settle(ctx context.Context, e *Escrow) error {
	switch e.Method {
	case MethodCrypto:
		return s.settleCrypto(ctx, e)
	case MethodCard:
		return s.settleCard(ctx, e)
	default:
		return fmt.Errorf("invalid payment method %q", e.Method)
	}
}

func (s *Service) settleCrypto(ctx context.Context, e *Escrow) error {
	if e.Crypto == nil || e.Crypto.SellerAddress == "" {
		return ErrSellerDetailsMissing
	}
	wallet, err := s.wallets.Wallet(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("load escrow wallet: %w", err)
	}

	// Platform fee first, best effort. A failed fee transfer must not block
	// the seller's payout.
	var feeTx string
	if feeAddr := s.feeAddresses[e.Currency]; feeAddr != "" && e.FeeAmount > 0 {
		feeTx, err = s.cryptoRail.Send(ctx, cryptorail.SendRequest{
			Currency:     e.Currency,
			FromAddress:  wallet.Address,
			Mnemonic:     wallet.Mnemonic,
			AddressIndex: wallet.AddressIndex,
			ToAddress:    feeAddr,
			Amount:       e.FeeAmount,
		})
		if err != nil {
			logging.L(ctx).Warn("platform fee transfer failed",
				"escrow_id", e.ID, "fee_address", feeAddr, "error", err)
			metrics.FeeTransfersTotal.WithLabelValues("failed").Inc()
			feeTx = ""
		} else {
			metrics.FeeTransfersTotal.WithLabelValues("sent").Inc()
		}
	}

	sellerTx, err := s.cryptoRail.Send(ctx, cryptorail.SendRequest{
		Currency:     e.Currency,
		FromAddress:  wallet.Address,
		Mnemonic:     wallet.Mnemonic,
		AddressIndex: wallet.AddressIndex,
		ToAddress:    e.Crypto.SellerAddress,
		Amount:       e.NetAmount,
	})
	feeUSD := fees.RoundUSD(e.USDAmount * e.FeeRate)
	netUSD := fees.RoundUSD(e.USDAmount - feeUSD)
	if err != nil {
		// Record the fee movement even though the release failed, so books
		// reflect what actually left the wallet.
		if feeTx != "" {
			_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypePlatformFee, e.FeeAmount, e.Currency, feeTx).WithUSD(feeUSD))
		}
		return fmt.Errorf("seller payout: %w", err)
	}

	_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypeRelease, e.NetAmount, e.Currency, sellerTx).WithUSD(netUSD))
	_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypePlatformFee, e.FeeAmount, e.Currency, feeTx).WithUSD(feeUSD))
	return nil
}

func (s *Service) settleCard(ctx context.Context, e *Escrow) error {
	if e.Card == nil || e.Card.AuthorizationID == "" {
		return fmt.Errorf("missing card authorization")
	}
	if e.Card.SellerEmail == "" {
		return ErrSellerDetailsMissing
	}

	// Checkout-born escrows share a group capture done at finalize time;
	// only capture here when this escrow owns the authorization.
	if e.Card.CaptureID == "" {
		captureID, err := s.cardRail.Capture(ctx, e.Card.AuthorizationID, e.Amount)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		e.Card.CaptureID = captureID
	}

	batchID, err := s.cardRail.Payout(ctx, e.Card.SellerEmail, e.NetAmount, "escrow_"+e.ID)
	if err != nil {
		return fmt.Errorf("seller payout: %w", err)
	}

	_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypeRelease, e.NetAmount, "USD", e.Card.CaptureID).WithUSD(e.NetAmount))
	_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypePlatformFee, e.FeeAmount, "USD", batchID).WithUSD(e.FeeAmount))
	return nil
}

// cancel lands a both-parties-cancel agreement. A funded card escrow keeps
// its hold until the buyer requests the refund (which voids it).
func (s *Service) cancel(ctx context.Context, e *Escrow) (*Escrow, error) {
	for _, from := range []Status{StatusFunded, StatusPending} {
		ok, err := s.store.UpdateStatusIf(ctx, e.ID, from, StatusCancelled)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
			logging.L(ctx).Info("escrow cancelled", "escrow_id", e.ID)
			return s.store.Get(ctx, e.ID)
		}
	}
	// status moved; return truth
	return s.store.Get(ctx, e.ID)
}

// Refund makes the buyer whole on a cancelled escrow. Crypto sends the full
// amount from the deposit wallet back to the buyer's declared address; card
// voids the open hold, or refunds the capture if one exists.
func (s *Service) Refund(ctx context.Context, id, callerID, refundAddress string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusCancelled {
		return nil, ErrInvalidStatus
	}

	switch e.Method {
	case MethodCrypto:
		if refundAddress == "" {
			return nil, fmt.Errorf("refund address required")
		}
		if !validation.IsValidAddress(refundAddress, e.Currency) {
			return nil, fmt.Errorf("invalid address for %s", e.Currency)
		}
		wallet, err := s.wallets.Wallet(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("load escrow wallet: %w", err)
		}
		txRef, err := s.cryptoRail.Send(ctx, cryptorail.SendRequest{
			Currency:     e.Currency,
			FromAddress:  wallet.Address,
			Mnemonic:     wallet.Mnemonic,
			AddressIndex: wallet.AddressIndex,
			ToAddress:    refundAddress,
			Amount:       e.Amount,
		})
		if err != nil {
			return nil, fmt.Errorf("crypto refund: %w", err)
		}
		_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypeRefund, e.Amount, e.Currency, txRef).WithUSD(e.USDAmount))
		if e.Crypto == nil {
			e.Crypto = &CryptoDetails{}
		}
		e.Crypto.RefundAddress = refundAddress

	case MethodCard:
		if e.Card == nil || e.Card.AuthorizationID == "" {
			return nil, fmt.Errorf("no authorization to void")
		}
		if e.Card.CaptureID != "" {
			refundID, err := s.cardRail.Refund(ctx, e.Card.CaptureID, e.Amount)
			if err != nil {
				return nil, err
			}
			_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypeRefund, e.Amount, "USD", refundID).WithUSD(e.Amount))
		} else {
			if err := s.cardRail.Void(ctx, e.Card.AuthorizationID); err != nil {
				return nil, err
			}
			_ = s.txns.Create(ctx, transactions.New(e.ID, transactions.TypeRefund, e.Amount, "USD", "").WithUSD(e.Amount))
		}
	}

	e.Status = StatusRefunded
	e.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	logging.L(ctx).Info("escrow refunded", "escrow_id", e.ID)
	return e, nil
}

func (s *Service) accrueReferral(ctx context.Context, e *Escrow) {
	if s.referrals == nil || e.Method != MethodCrypto {
		// referrals accrue on crypto trades only
		return
	}
	feeUSD := fees.RoundUSD(e.USDAmount * e.FeeRate)
	if err := s.referrals.Accrue(ctx, e.ID, e.BuyerID, feeUSD); err != nil {
		logging.L(ctx).Warn("referral accrual failed", "escrow_id", e.ID, "error", err)
	}
}

// dispatchFundedCallback delivers the funded event in the background and
// persists the delivery outcome on the escrow.
func (s *Service) dispatchFundedCallback(e *Escrow) {
	if s.notifier == nil || e.Fulfillment.URL == "" || e.Fulfillment.Status == "success" {
		return
	}
	snapshot := *e
	go func() {
		ctx := context.Background()
		evt := notify.Event{
			Name:           "escrow.funded",
			IdempotencyKey: snapshot.Fulfillment.IdempotencyKey,
			Payload: map[string]any{
				"event":           "escrow.funded",
				"idempotency_key": snapshot.Fulfillment.IdempotencyKey,
				"escrow": map[string]any{
					"id":             snapshot.ID,
					"status":         string(StatusFunded),
					"funded_at":      snapshot.FundedAt,
					"amount_usd":     snapshot.USDAmount,
					"currency":       snapshot.Currency,
					"payment_method": string(snapshot.Method),
				},
				"listing": map[string]any{"id": snapshot.CheckoutSessionID, "title": snapshot.Title},
				"buyer":   map[string]any{"id": snapshot.BuyerID},
				"seller":  map[string]any{"id": snapshot.SellerID},
			},
		}
		result := s.notifier.Deliver(ctx, snapshot.Fulfillment.URL, evt)

		fresh, err := s.store.Get(ctx, snapshot.ID)
		if err != nil {
			return
		}
		now := time.Now().UTC()
		fresh.Fulfillment.Status = result.Status
		fresh.Fulfillment.Attempts += result.Attempts
		fresh.Fulfillment.LastCode = result.LastCode
		fresh.Fulfillment.LastError = truncate(result.LastError, 300)
		fresh.Fulfillment.LastAt = &now
		fresh.UpdatedAt = now
		_ = s.store.Update(ctx, fresh)
	}()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
