// Package cryptorail handles all blockchain interactions for escrow deposits
// and payouts through the Tatum REST API.
//
// Each escrow gets its own deposit wallet: a fresh mnemonic, xpub, and the
// address derived at index 0. Spending keys are never stored; they are derived
// from the mnemonic at send time through the rail and used once.
package cryptorail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adam-php/medius/internal/validation"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrUnsupportedCurrency = errors.New("cryptorail: unsupported currency")
	ErrNotConfigured       = errors.New("cryptorail: rail not configured")
	ErrInvalidAddress      = errors.New("cryptorail: invalid address")
	ErrMissingMnemonic     = errors.New("cryptorail: missing mnemonic")
	ErrSendFailed          = errors.New("cryptorail: send failed")
)

// RailError wraps upstream API failures with context
type RailError struct {
	Op     string // Operation that failed
	Chain  string
	Status int    // HTTP status from the rail, 0 if transport-level
	Body   string // truncated response body
	Err    error
}

func (e *RailError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("cryptorail: %s on %s failed (status %d): %s", e.Op, e.Chain, e.Status, e.Body)
	}
	return fmt.Sprintf("cryptorail: %s on %s failed: %v", e.Op, e.Chain, e.Err)
}

func (e *RailError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// DepositWallet is a freshly generated per-escrow wallet.
type DepositWallet struct {
	Address      string
	Mnemonic     string
	XPub         string
	Chain        string
	AddressIndex int
}

// SendRequest describes a transfer out of an escrow deposit wallet.
type SendRequest struct {
	Currency     string
	FromAddress  string
	Mnemonic     string
	AddressIndex int
	ToAddress    string
	Amount       float64
}

// Rail is the blockchain operations surface the settlement code depends on.
type Rail interface {
	// GenerateWallet creates a new wallet on the chain backing the currency
	// and derives the deposit address at index 0.
	GenerateWallet(ctx context.Context, currency string) (*DepositWallet, error)
	// IncomingBalance returns the confirmed incoming balance of an address
	// in the chain's native units.
	IncomingBalance(ctx context.Context, currency, address string) (float64, error)
	// Send transfers from an escrow deposit wallet, deriving the spending
	// key from the wallet's mnemonic. Returns the transaction reference.
	Send(ctx context.Context, req SendRequest) (string, error)
	// SendFromPlatform transfers out of the platform's own wallet for the
	// currency. Used for referral payouts and checkout disbursement.
	SendFromPlatform(ctx context.Context, currency, toAddress string, amount float64) (string, error)
}

// utxoCurrencies send with the fromAddress/to array transaction shape.
var utxoCurrencies = map[string]bool{
	"BTC": true, "LTC": true, "BCH": true, "DOGE": true,
}

// accountCurrencies send with the fromPrivateKey/to/amount shape.
var accountCurrencies = map[string]bool{
	"ETH": true, "MATIC": true, "BNB": true,
}

// -----------------------------------------------------------------------------
// Tatum implementation
// -----------------------------------------------------------------------------

const defaultTatumURL = "https://api.tatum.io/v3"

// Tatum is the production Rail backed by the Tatum v3 REST API.
type Tatum struct {
	baseURL string
	apiKey  string

	// platform wallets per currency, for SendFromPlatform
	platformAddresses map[string]string
	platformMnemonics map[string]string

	readClient *http.Client
	sendClient *http.Client
}

var _ Rail = (*Tatum)(nil)

// TatumOption configures the Tatum rail.
type TatumOption func(*Tatum)

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(u string) TatumOption {
	return func(t *Tatum) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithPlatformWallet registers a platform wallet for a currency.
func WithPlatformWallet(currency, address, mnemonic string) TatumOption {
	return func(t *Tatum) {
		cur := strings.ToUpper(currency)
		t.platformAddresses[cur] = address
		t.platformMnemonics[cur] = mnemonic
	}
}

// NewTatum creates the Tatum rail. Reads use a 30s timeout; sends get 120s
// because broadcast endpoints can be slow under load.
func NewTatum(apiKey string, opts ...TatumOption) *Tatum {
	t := &Tatum{
		baseURL:           defaultTatumURL,
		apiKey:            apiKey,
		platformAddresses: make(map[string]string),
		platformMnemonics: make(map[string]string),
		readClient:        &http.Client{Timeout: 30 * time.Second},
		sendClient:        &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func chainFor(currency string) (string, error) {
	chain, ok := validation.ChainFor[strings.ToUpper(currency)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return chain, nil
}

// GenerateWallet creates a wallet and derives the index-0 deposit address.
func (t *Tatum) GenerateWallet(ctx context.Context, currency string) (*DepositWallet, error) {
	if t.apiKey == "" {
		return nil, ErrNotConfigured
	}
	chain, err := chainFor(currency)
	if err != nil {
		return nil, err
	}

	var wallet struct {
		Mnemonic string `json:"mnemonic"`
		XPub     string `json:"xpub"`
	}
	if err := t.get(ctx, "/"+chain+"/wallet", &wallet); err != nil {
		return nil, err
	}
	if wallet.XPub == "" {
		return nil, &RailError{Op: "generate wallet", Chain: chain, Err: errors.New("no xpub in response")}
	}

	var addr struct {
		Address string `json:"address"`
	}
	if err := t.get(ctx, "/"+chain+"/address/"+wallet.XPub+"/0", &addr); err != nil {
		return nil, err
	}
	if addr.Address == "" {
		return nil, &RailError{Op: "derive address", Chain: chain, Err: errors.New("no address in response")}
	}

	return &DepositWallet{
		Address:      addr.Address,
		Mnemonic:     wallet.Mnemonic,
		XPub:         wallet.XPub,
		Chain:        chain,
		AddressIndex: 0,
	}, nil
}

// IncomingBalance returns the incoming balance of an address. UTXO chains
// report "incoming"; account chains report "balance".
func (t *Tatum) IncomingBalance(ctx context.Context, currency, address string) (float64, error) {
	chain, err := chainFor(currency)
	if err != nil {
		return 0, err
	}

	var body map[string]any
	if err := t.get(ctx, "/"+chain+"/address/balance/"+address, &body); err != nil {
		return 0, err
	}
	for _, key := range []string{"incoming", "balance"} {
		if raw, ok := body[key]; ok {
			return parseBalance(raw)
		}
	}
	return 0, &RailError{Op: "balance", Chain: chain, Err: errors.New("no balance field in response")}
}

// Send transfers from an escrow deposit wallet to a destination address.
func (t *Tatum) Send(ctx context.Context, req SendRequest) (string, error) {
	cur := strings.ToUpper(req.Currency)
	chain, err := chainFor(cur)
	if err != nil {
		return "", err
	}
	if req.Mnemonic == "" {
		return "", ErrMissingMnemonic
	}
	if !validation.IsValidAddress(req.ToAddress, cur) {
		return "", fmt.Errorf("%w: %s for %s", ErrInvalidAddress, req.ToAddress, cur)
	}

	key, err := t.derivePrivateKey(ctx, chain, req.Mnemonic, req.AddressIndex)
	if err != nil {
		return "", err
	}
	return t.broadcast(ctx, chain, cur, req.FromAddress, req.ToAddress, req.Amount, key)
}

// SendFromPlatform transfers out of the configured platform wallet.
func (t *Tatum) SendFromPlatform(ctx context.Context, currency, toAddress string, amount float64) (string, error) {
	cur := strings.ToUpper(currency)
	chain, err := chainFor(cur)
	if err != nil {
		return "", err
	}
	mnemonic := t.platformMnemonics[cur]
	if mnemonic == "" {
		return "", fmt.Errorf("%w: no platform mnemonic for %s", ErrNotConfigured, cur)
	}
	if !validation.IsValidAddress(toAddress, cur) {
		return "", fmt.Errorf("%w: %s for %s", ErrInvalidAddress, toAddress, cur)
	}

	key, err := t.derivePrivateKey(ctx, chain, mnemonic, 0)
	if err != nil {
		return "", err
	}
	fromAddr := t.platformAddresses[cur]
	if utxoCurrencies[cur] && fromAddr == "" {
		return "", fmt.Errorf("%w: no platform address for %s", ErrNotConfigured, cur)
	}
	return t.broadcast(ctx, chain, cur, fromAddr, toAddress, amount, key)
}

// derivePrivateKey asks the rail to derive the spending key for one index.
// The key stays in memory only for the duration of the send.
func (t *Tatum) derivePrivateKey(ctx context.Context, chain, mnemonic string, index int) (string, error) {
	var resp struct {
		Key string `json:"key"`
	}
	payload := map[string]any{"mnemonic": mnemonic, "index": index}
	if err := t.post(ctx, t.readClient, "/"+chain+"/wallet/priv", payload, &resp); err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", &RailError{Op: "derive key", Chain: chain, Err: errors.New("no key in response")}
	}
	return resp.Key, nil
}

// broadcast submits the chain-appropriate transaction shape.
func (t *Tatum) broadcast(ctx context.Context, chain, currency, fromAddr, toAddr string, amount float64, privateKey string) (string, error) {
	var payload map[string]any
	switch {
	case utxoCurrencies[currency]:
		payload = map[string]any{
			"fromAddress": []map[string]string{{"address": fromAddr, "privateKey": privateKey}},
			"to":          []map[string]any{{"address": toAddr, "value": amount}},
		}
	case accountCurrencies[currency]:
		payload = map[string]any{
			"fromPrivateKey": privateKey,
			"to":             toAddr,
			"amount":         strconv.FormatFloat(amount, 'f', -1, 64),
			"currency":       currency,
		}
	case strings.HasPrefix(currency, "USDT-"):
		// token transfers always move USDT regardless of the chain variant
		payload = map[string]any{
			"fromPrivateKey": privateKey,
			"to":             toAddr,
			"amount":         strconv.FormatFloat(amount, 'f', -1, 64),
			"currency":       "USDT",
		}
	default:
		return "", fmt.Errorf("%w: send not implemented for %s", ErrUnsupportedCurrency, currency)
	}

	var resp struct {
		TxID            string `json:"txId"`
		TransactionHash string `json:"transactionHash"`
	}
	if err := t.post(ctx, t.sendClient, "/"+chain+"/transaction", payload, &resp); err != nil {
		return "", err
	}
	if resp.TxID != "" {
		return resp.TxID, nil
	}
	if resp.TransactionHash != "" {
		return resp.TransactionHash, nil
	}
	return "", &RailError{Op: "send", Chain: chain, Err: ErrSendFailed}
}

// -----------------------------------------------------------------------------
// HTTP plumbing
// -----------------------------------------------------------------------------

func (t *Tatum) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	return t.do(t.readClient, req, path, out)
}

func (t *Tatum) post(ctx context.Context, client *http.Client, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(client, req, path, out)
}

func (t *Tatum) do(client *http.Client, req *http.Request, path string, out any) error {
	req.Header.Set("x-api-key", t.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return &RailError{Op: req.Method + " " + path, Chain: chainFromPath(path), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RailError{
			Op:     req.Method + " " + path,
			Chain:  chainFromPath(path),
			Status: resp.StatusCode,
			Body:   string(raw),
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func chainFromPath(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

func parseBalance(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cryptorail: unexpected balance type %T", raw)
	}
}
