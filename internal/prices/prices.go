// Package prices resolves USD valuations for supported crypto currencies.
//
// The CoinGecko source caches quotes for a short TTL so fee calculations
// inside a single request burst share one upstream call per symbol.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownSymbol means the symbol has no known price listing.
	ErrUnknownSymbol = errors.New("unknown price symbol")
	// ErrUnavailable means the upstream price source failed.
	ErrUnavailable = errors.New("price source unavailable")
)

// Source provides USD spot prices for currency symbols.
type Source interface {
	USDPrice(ctx context.Context, symbol string) (float64, error)
}

// coingeckoIDs maps currency symbols to CoinGecko coin ids. All USDT
// variants price as tether.
var coingeckoIDs = map[string]string{
	"BTC": "bitcoin", "ETH": "ethereum", "LTC": "litecoin", "BCH": "bitcoin-cash",
	"DOGE": "dogecoin", "XRP": "ripple", "ADA": "cardano", "DOT": "polkadot",
	"MATIC": "matic-network", "SOL": "solana", "AVAX": "avalanche-2",
	"TRX": "tron", "BNB": "binancecoin", "ATOM": "cosmos", "XLM": "stellar",
	"USDT-ERC20": "tether", "USDT-BEP20": "tether", "USDT-SOL": "tether", "USDT-TRON": "tether",
}

const defaultBaseURL = "https://api.coingecko.com/api/v3/simple/price"

// CoinGecko fetches spot prices from the CoinGecko simple price API.
type CoinGecko struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	usd     float64
	fetched time.Time
}

// CoinGeckoOption configures a CoinGecko source.
type CoinGeckoOption func(*CoinGecko)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(u string) CoinGeckoOption {
	return func(c *CoinGecko) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) CoinGeckoOption {
	return func(c *CoinGecko) { c.client = h }
}

// WithTTL overrides the cache TTL.
func WithTTL(d time.Duration) CoinGeckoOption {
	return func(c *CoinGecko) { c.ttl = d }
}

// NewCoinGecko creates a CoinGecko price source with a 30s cache.
func NewCoinGecko(opts ...CoinGeckoOption) *CoinGecko {
	c := &CoinGecko{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 12 * time.Second},
		ttl:     30 * time.Second,
		cache:   make(map[string]cachedPrice),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// USDPrice returns the USD spot price for a symbol. USD itself is always 1.
func (c *CoinGecko) USDPrice(ctx context.Context, symbol string) (float64, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "USD" {
		return 1, nil
	}
	coin, ok := coingeckoIDs[sym]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	c.mu.Lock()
	if cached, ok := c.cache[coin]; ok && time.Since(cached.fetched) < c.ttl {
		c.mu.Unlock()
		return cached.usd, nil
	}
	c.mu.Unlock()

	price, err := c.fetch(ctx, coin)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[coin] = cachedPrice{usd: price, fetched: time.Now()}
	c.mu.Unlock()
	return price, nil
}

func (c *CoinGecko) fetch(ctx context.Context, coin string) (float64, error) {
	q := url.Values{}
	q.Set("ids", coin)
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	price := body[coin]["usd"]
	if price <= 0 {
		return 0, fmt.Errorf("%w: no usd quote for %s", ErrUnavailable, coin)
	}
	return price, nil
}

// Static is a fixed-price source for tests and local development.
type Static map[string]float64

// USDPrice returns the configured price for a symbol.
func (s Static) USDPrice(_ context.Context, symbol string) (float64, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "USD" {
		return 1, nil
	}
	if p, ok := s[sym]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}
