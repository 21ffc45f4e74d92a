package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adam-php/medius/internal/cardrail"
	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/custody"
	"github.com/adam-php/medius/internal/escrow"
	"github.com/adam-php/medius/internal/fees"
	"github.com/adam-php/medius/internal/prices"
	"github.com/adam-php/medius/internal/transactions"
)

const buyerID = "user_buyer"

// fakeCryptoRail hands out sequential addresses and tracks balances and sends.
type fakeCryptoRail struct {
	mu       sync.Mutex
	next     int
	balances map[string]float64
	sends    []cryptorail.SendRequest
}

func newFakeCryptoRail() *fakeCryptoRail {
	return &fakeCryptoRail{balances: make(map[string]float64)}
}

func (f *fakeCryptoRail) GenerateWallet(ctx context.Context, currency string) (*cryptorail.DepositWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &cryptorail.DepositWallet{
		Address:  fmt.Sprintf("agg_addr_%d", f.next),
		Mnemonic: "seed words",
		XPub:     "xpub",
		Chain:    "bitcoin",
	}, nil
}

func (f *fakeCryptoRail) IncomingBalance(ctx context.Context, currency, address string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

func (f *fakeCryptoRail) Send(ctx context.Context, req cryptorail.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	return "0xtx", nil
}

func (f *fakeCryptoRail) SendFromPlatform(ctx context.Context, currency, toAddress string, amount float64) (string, error) {
	return "0xplatform", nil
}

func (f *fakeCryptoRail) setBalance(addr string, amount float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = amount
}

// fakeCardRail approves orders on demand and counts captures.
type fakeCardRail struct {
	mu         sync.Mutex
	orders     int
	captures   int
	approved   bool
	captureErr error
}

func (f *fakeCardRail) CreateAuthorization(ctx context.Context, amountUSD float64, ref, returnURL, cancelURL string) (*cardrail.OrderContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders++
	id := fmt.Sprintf("ORDER%d", f.orders)
	return &cardrail.OrderContext{OrderID: id, ApprovalURL: "https://card.example.com/approve/" + id}, nil
}

func (f *fakeCardRail) AuthorizationID(ctx context.Context, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.approved {
		return "", cardrail.ErrNotApproved
	}
	return "AUTH_" + orderID, nil
}

func (f *fakeCardRail) Capture(ctx context.Context, authorizationID string, amountUSD float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	f.captures++
	return fmt.Sprintf("CAP%d", f.captures), nil
}

func (f *fakeCardRail) Payout(ctx context.Context, email string, amountUSD float64, ref string) (string, error) {
	return "BATCH1", nil
}

func (f *fakeCardRail) Void(ctx context.Context, authorizationID string) error { return nil }

func (f *fakeCardRail) Refund(ctx context.Context, captureID string, amountUSD float64) (string, error) {
	return "REFUND1", nil
}

type fixture struct {
	svc     *Service
	escrows *escrow.Service
	estore  *escrow.MemoryStore
	crypto  *fakeCryptoRail
	card    *fakeCardRail
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	crypto := newFakeCryptoRail()
	card := &fakeCardRail{}
	wallets := custody.NewService(custody.NewMemoryStore(), crypto)
	engine := fees.NewEngine(prices.Static{"BTC": 50000, "ETH": 2000})
	estore := escrow.NewMemoryStore()

	escrows := escrow.NewService(estore, wallets, engine, transactions.NewMemoryStore()).
		WithCryptoRail(crypto, map[string]string{"BTC": "fee_btc_addr", "ETH": "fee_eth_addr"}).
		WithCardRail(card).
		WithFrontendURL("https://medius.example.com")

	svc := NewService(NewMemoryStore(), escrows, wallets, crypto, card, "https://medius.example.com")
	return &fixture{svc: svc, escrows: escrows, estore: estore, crypto: crypto, card: card}
}

func cartItems() []Item {
	return []Item{
		{SellerID: "user_alpha", Title: "Alpha widget", Amount: 0.5, Currency: "BTC", Method: "crypto"},
		{SellerID: "user_beta", Title: "Beta widget", Amount: 0.25, Currency: "BTC", Method: "crypto"},
		{SellerID: "user_gamma", Title: "Gamma widget", Amount: 2, Currency: "ETH", Method: "crypto"},
		{SellerID: "user_delta", Title: "Delta widget", Amount: 120, Currency: "USD", Method: "card"},
	}
}

func TestBegin_GroupsByMethodAndCurrency(t *testing.T) {
	fx := newFixture(t)

	session, err := fx.svc.Begin(context.Background(), buyerID, cartItems(), "")
	require.NoError(t, err)
	require.Len(t, session.Groups, 3)
	assert.Equal(t, StatusFunding, session.Status)

	btc := session.group("crypto", "BTC")
	require.NotNil(t, btc)
	assert.Equal(t, 0.75, btc.Required)
	assert.NotEmpty(t, btc.FundingAddress)

	eth := session.group("crypto", "ETH")
	require.NotNil(t, eth)
	assert.Equal(t, 2.0, eth.Required)
	assert.NotEmpty(t, eth.FundingAddress)
	assert.NotEqual(t, btc.FundingAddress, eth.FundingAddress)

	card := session.group("card", "USD")
	require.NotNil(t, card)
	assert.Equal(t, 120.0, card.Required)
	assert.NotEmpty(t, card.OrderID)
	assert.NotEmpty(t, card.ApprovalURL)
	assert.Equal(t, 1, fx.card.orders)
}

func TestBegin_Validation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Begin(ctx, buyerID, nil, "")
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = fx.svc.Begin(ctx, buyerID, []Item{
		{SellerID: buyerID, Amount: 1, Currency: "BTC", Method: "crypto"},
	}, "")
	assert.ErrorContains(t, err, "yourself")

	_, err = fx.svc.Begin(ctx, buyerID, []Item{
		{SellerID: "user_x", Amount: 1, Currency: "DOGE2", Method: "crypto"},
	}, "")
	assert.ErrorContains(t, err, "unsupported currency")

	_, err = fx.svc.Begin(ctx, buyerID, []Item{
		{SellerID: "user_x", Amount: 1, Currency: "BTC", Method: "wire"},
	}, "")
	assert.ErrorContains(t, err, "payment method")

	_, err = fx.svc.Begin(ctx, buyerID, []Item{
		{SellerID: "user_x", Amount: 0, Currency: "BTC", Method: "crypto"},
	}, "")
	assert.ErrorContains(t, err, "positive")
}

func TestCheckFunding_TracksGroupsIndependently(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Begin(ctx, buyerID, cartItems(), "")
	require.NoError(t, err)
	btcAddr := session.group("crypto", "BTC").FundingAddress

	// partial funding keeps everything pending
	fx.crypto.setBalance(btcAddr, 0.5)
	session, err = fx.svc.CheckFunding(ctx, session.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunding, session.Status)
	assert.False(t, session.group("crypto", "BTC").Funded)
	assert.Equal(t, 0.5, session.group("crypto", "BTC").Observed)

	// BTC group fills, the rest still waiting
	fx.crypto.setBalance(btcAddr, 0.75)
	session, err = fx.svc.CheckFunding(ctx, session.ID, buyerID)
	require.NoError(t, err)
	assert.True(t, session.group("crypto", "BTC").Funded)
	assert.False(t, session.group("crypto", "ETH").Funded)
	assert.Equal(t, StatusFunding, session.Status)

	// remaining groups fill
	fx.crypto.setBalance(session.group("crypto", "ETH").FundingAddress, 2)
	fx.card.approved = true
	session, err = fx.svc.CheckFunding(ctx, session.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, session.Status)
	assert.NotEmpty(t, session.group("card", "USD").AuthorizationID)
}

func TestCheckFunding_OwnerOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Begin(ctx, buyerID, cartItems(), "")
	require.NoError(t, err)

	_, err = fx.svc.CheckFunding(ctx, session.ID, "user_stranger")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = fx.svc.Get(ctx, session.ID, "user_stranger")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func fundAll(t *testing.T, fx *fixture, session *Session) *Session {
	t.Helper()
	ctx := context.Background()
	for _, g := range session.Groups {
		if g.Method == "crypto" {
			fx.crypto.setBalance(g.FundingAddress, g.Required)
		}
	}
	fx.card.mu.Lock()
	fx.card.approved = true
	fx.card.mu.Unlock()
	funded, err := fx.svc.CheckFunding(ctx, session.ID, buyerID)
	require.NoError(t, err)
	require.Equal(t, StatusFunded, funded.Status)
	return funded
}

func TestFinalize_FansOutEscrows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Begin(ctx, buyerID, cartItems(), "https://merchant.example.com/hook")
	require.NoError(t, err)
	session = fundAll(t, fx, session)

	session, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status)
	require.Len(t, session.EscrowIDs, 4)

	btcAddr := session.group("crypto", "BTC").FundingAddress
	var btcEscrows, cardEscrows int
	for _, id := range session.EscrowIDs {
		e, err := fx.estore.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusFunded, e.Status)
		assert.Equal(t, session.ID, e.CheckoutSessionID)
		assert.Equal(t, buyerID, e.BuyerID)
		switch {
		case e.Method == escrow.MethodCrypto && e.Currency == "BTC":
			btcEscrows++
			assert.Equal(t, btcAddr, e.Crypto.DepositAddress)
		case e.Method == escrow.MethodCard:
			cardEscrows++
			assert.Equal(t, "CAP1", e.Card.CaptureID)
			assert.NotEmpty(t, e.Card.AuthorizationID)
		}
	}
	assert.Equal(t, 2, btcEscrows)
	assert.Equal(t, 1, cardEscrows)

	// one capture for the whole card group
	assert.Equal(t, 1, fx.card.captures)
}

func TestFinalize_SecondCallRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Begin(ctx, buyerID, cartItems(), "")
	require.NoError(t, err)
	fundAll(t, fx, session)

	_, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	require.NoError(t, err)
	_, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	assert.ErrorIs(t, err, ErrAlreadyFinal)
	assert.Equal(t, 1, fx.card.captures)
}

func TestFinalize_RequiresFunded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Begin(ctx, buyerID, cartItems(), "")
	require.NoError(t, err)

	_, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	assert.ErrorIs(t, err, ErrNotFunded)
}

func TestFinalize_CaptureFailureAllowsRetry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.svc.Begin(ctx, buyerID, cartItems(), "")
	require.NoError(t, err)
	fundAll(t, fx, session)

	fx.card.captureErr = errors.New("card rail down")
	_, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	require.Error(t, err)

	fx.card.captureErr = nil
	session, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status)
	assert.Len(t, session.EscrowIDs, 4)
}

func TestFanOutEscrowSettlesFromAggregator(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	items := []Item{
		{SellerID: "user_alpha", Title: "Alpha widget", Amount: 0.5, Currency: "BTC", Method: "crypto"},
		{SellerID: "user_beta", Title: "Beta widget", Amount: 0.25, Currency: "BTC", Method: "crypto"},
	}
	session, err := fx.svc.Begin(ctx, buyerID, items, "")
	require.NoError(t, err)
	fundAll(t, fx, session)
	session, err = fx.svc.Finalize(ctx, session.ID, buyerID)
	require.NoError(t, err)
	require.Len(t, session.EscrowIDs, 2)

	// walk the first item escrow through a normal release
	id := session.EscrowIDs[0]
	const sellerAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	_, err = fx.escrows.SetSellerDetails(ctx, id, "user_alpha", sellerAddr, "")
	require.NoError(t, err)
	_, err = fx.escrows.Confirm(ctx, id, buyerID, escrow.ActionRelease)
	require.NoError(t, err)
	done, err := fx.escrows.Confirm(ctx, id, "user_alpha", escrow.ActionRelease)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, done.Status)

	// the disbursement spent from the group's aggregator address
	fx.crypto.mu.Lock()
	defer fx.crypto.mu.Unlock()
	var sellerSend *cryptorail.SendRequest
	for i := range fx.crypto.sends {
		if fx.crypto.sends[i].ToAddress == sellerAddr {
			sellerSend = &fx.crypto.sends[i]
		}
	}
	require.NotNil(t, sellerSend)
	assert.InDelta(t, done.NetAmount, sellerSend.Amount, 1e-9)
}

func TestListForUser(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := fx.svc.Begin(ctx, buyerID, []Item{
			{SellerID: "user_x", Amount: 1, Currency: "BTC", Method: "crypto"},
		}, "")
		require.NoError(t, err)
	}
	_, err := fx.svc.Begin(ctx, "user_other", []Item{
		{SellerID: "user_y", Amount: 1, Currency: "BTC", Method: "crypto"},
	}, "")
	require.NoError(t, err)

	sessions, err := fx.svc.ListForUser(ctx, buyerID, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}
