package prices

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoinGecko_USDPrice(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("ids") != "bitcoin" {
			t.Errorf("unexpected ids param: %s", r.URL.Query().Get("ids"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bitcoin":{"usd":2000}}`))
	}))
	defer srv.Close()

	src := NewCoinGecko(WithBaseURL(srv.URL), WithTTL(time.Minute))

	price, err := src.USDPrice(context.Background(), "btc")
	if err != nil {
		t.Fatalf("USDPrice: %v", err)
	}
	if price != 2000 {
		t.Errorf("price = %v, want 2000", price)
	}

	// second call within TTL should hit the cache
	if _, err := src.USDPrice(context.Background(), "BTC"); err != nil {
		t.Fatalf("cached USDPrice: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestCoinGecko_USDIsAlwaysOne(t *testing.T) {
	src := NewCoinGecko(WithBaseURL("http://127.0.0.1:0"))
	price, err := src.USDPrice(context.Background(), "USD")
	if err != nil {
		t.Fatalf("USDPrice(USD): %v", err)
	}
	if price != 1 {
		t.Errorf("price = %v, want 1", price)
	}
}

func TestCoinGecko_UnknownSymbol(t *testing.T) {
	src := NewCoinGecko()
	if _, err := src.USDPrice(context.Background(), "SHIB"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("err = %v, want ErrUnknownSymbol", err)
	}
}

func TestCoinGecko_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewCoinGecko(WithBaseURL(srv.URL))
	if _, err := src.USDPrice(context.Background(), "ETH"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestCoinGecko_USDTVariantsShareTether(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"tether":{"usd":1.0004}}`))
	}))
	defer srv.Close()

	src := NewCoinGecko(WithBaseURL(srv.URL), WithTTL(time.Minute))
	for _, sym := range []string{"USDT-ERC20", "USDT-TRON", "USDT-SOL"} {
		price, err := src.USDPrice(context.Background(), sym)
		if err != nil {
			t.Fatalf("USDPrice(%s): %v", sym, err)
		}
		if price != 1.0004 {
			t.Errorf("price(%s) = %v, want 1.0004", sym, price)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1 (shared tether cache)", calls.Load())
	}
}

func TestStatic(t *testing.T) {
	src := Static{"BTC": 2000, "ETH": 100}

	price, err := src.USDPrice(context.Background(), "btc")
	if err != nil {
		t.Fatalf("USDPrice: %v", err)
	}
	if price != 2000 {
		t.Errorf("price = %v, want 2000", price)
	}
	if p, err := src.USDPrice(context.Background(), "USD"); err != nil || p != 1 {
		t.Errorf("USD price = %v, %v, want 1, nil", p, err)
	}
	if _, err := src.USDPrice(context.Background(), "LTC"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("err = %v, want ErrUnknownSymbol", err)
	}
}
