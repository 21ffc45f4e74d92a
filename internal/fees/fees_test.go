package fees

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adam-php/medius/internal/prices"
)

func TestQuote_CryptoUnderThreshold(t *testing.T) {
	// 0.02 BTC at $2000/BTC is $40, below the $50 band, so the 2% rate
	// applies and the fee is computed in crypto units.
	eng := NewEngine(prices.Static{"BTC": 2000})

	q, err := eng.Quote(context.Background(), 0.02, "BTC", MethodCrypto)
	require.NoError(t, err)

	assert.Equal(t, 0.02, q.Rate)
	assert.Equal(t, 0.0004, q.FeeAmount)
	assert.Equal(t, 0.0196, q.NetAmount)
	assert.Equal(t, 40.0, q.USDAmount)
}

func TestQuote_CryptoAtThreshold(t *testing.T) {
	eng := NewEngine(prices.Static{"BTC": 1000})

	// $49.99 equivalent stays at 2%
	q, err := eng.Quote(context.Background(), 0.04999, "BTC", MethodCrypto)
	require.NoError(t, err)
	assert.Equal(t, 0.02, q.Rate)

	// exactly $50.00 equivalent drops to 1.5%
	q, err = eng.Quote(context.Background(), 0.05, "BTC", MethodCrypto)
	require.NoError(t, err)
	assert.Equal(t, 0.015, q.Rate)
	assert.Equal(t, 50.0, q.USDAmount)
}

func TestQuote_Card(t *testing.T) {
	eng := NewEngine(prices.Static{})

	q, err := eng.Quote(context.Background(), 200, "USD", MethodCard)
	require.NoError(t, err)

	assert.Equal(t, 0.02, q.Rate)
	assert.Equal(t, 4.0, q.FeeAmount)
	assert.Equal(t, 196.0, q.NetAmount)
	assert.Equal(t, 200.0, q.USDAmount)
}

func TestQuote_Errors(t *testing.T) {
	eng := NewEngine(prices.Static{})

	_, err := eng.Quote(context.Background(), -1, "BTC", MethodCrypto)
	assert.Error(t, err)

	_, err = eng.Quote(context.Background(), 1, "BTC", "wire")
	assert.Error(t, err)

	// unknown symbol surfaces the price source error
	_, err = eng.Quote(context.Background(), 1, "SHIB", MethodCrypto)
	assert.Error(t, err)
}

func TestQuote_CryptoRounding(t *testing.T) {
	eng := NewEngine(prices.Static{"ETH": 3000})

	q, err := eng.Quote(context.Background(), 0.123456789, "ETH", MethodCrypto)
	require.NoError(t, err)

	// fee and net both land on 8 decimal places
	assert.Equal(t, 0.00185185, q.FeeAmount)
	assert.Equal(t, 0.12160494, q.NetAmount)
}

func TestAdjustPrice_NilRules(t *testing.T) {
	var r *Rules
	assert.Equal(t, 100.0, r.AdjustPrice(100, MethodCard, "USD"))
	assert.Equal(t, 49.99, r.AdjustPrice(49.99, MethodCrypto, "BTC"))
}

func TestAdjustPrice_DefaultMethodRates(t *testing.T) {
	r := &Rules{}

	// card flat 2%
	assert.Equal(t, 102.0, r.AdjustPrice(100, MethodCard, ""))
	// crypto 2% under $50, 1.5% at and above
	assert.Equal(t, 40.8, r.AdjustPrice(40, MethodCrypto, ""))
	assert.Equal(t, 50.75, r.AdjustPrice(50, MethodCrypto, ""))
	assert.Equal(t, 50.99, r.AdjustPrice(49.99, MethodCrypto, ""))
}

func TestAdjustPrice_TierSelection(t *testing.T) {
	hundred := 100.0
	r := &Rules{
		Methods: map[string]MethodRule{
			MethodCrypto: {
				Percent: 5, // fallback when no tier matches
				Tiers: []Tier{
					{MinAmount: 0, MaxAmount: &hundred, Percent: 3},
					{MinAmount: 100, Percent: 1, FixedUSD: 0.50},
				},
			},
		},
	}

	// below 100 uses the first band
	assert.Equal(t, 51.5, r.AdjustPrice(50, MethodCrypto, ""))
	// the boundary is half-open, 100 falls into the second band
	assert.Equal(t, 101.5, r.AdjustPrice(100, MethodCrypto, ""))
	assert.Equal(t, 202.5, r.AdjustPrice(200, MethodCrypto, ""))
}

func TestAdjustPrice_TierFallbackToFlat(t *testing.T) {
	ten := 10.0
	r := &Rules{
		Methods: map[string]MethodRule{
			MethodCard: {
				Percent:  4,
				FixedUSD: 1,
				Tiers:    []Tier{{MinAmount: 0, MaxAmount: &ten, Percent: 2}},
			},
		},
	}

	// above every tier, the flat method rule applies
	assert.Equal(t, 105.0, r.AdjustPrice(100, MethodCard, ""))
}

func TestAdjustPrice_CurrencySurchargeStacks(t *testing.T) {
	r := &Rules{
		Currencies: map[string]CurrencyRule{
			"BTC": {Percent: 1, FixedUSD: 0.25},
		},
	}

	// default crypto 2% plus BTC surcharge 1% + $0.25
	assert.Equal(t, 41.45, r.AdjustPrice(40, MethodCrypto, "btc"))
	// other currencies are unaffected
	assert.Equal(t, 40.8, r.AdjustPrice(40, MethodCrypto, "LTC"))
}

func TestAdjustPrice_ClampsToOneCent(t *testing.T) {
	r := &Rules{
		Methods: map[string]MethodRule{
			MethodCard: {Percent: -100},
		},
	}
	assert.Equal(t, 0.01, r.AdjustPrice(5, MethodCard, ""))
}
