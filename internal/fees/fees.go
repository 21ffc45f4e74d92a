// Package fees computes the platform's cut of an escrow and applies
// configurable pricing rules to checkout prices.
//
// Crypto escrows are quoted against a USD valuation of the amount: under $50
// the rate is 2%, at $50 and above 1.5%, and the fee itself is expressed in
// crypto units rounded to 8 decimal places. Card escrows take a flat 2% of
// the USD amount.
package fees

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/adam-php/medius/internal/prices"
)

// Payment methods.
const (
	MethodCrypto = "crypto"
	MethodCard   = "card"
)

const (
	cryptoRateLow  = 0.02
	cryptoRateHigh = 0.015
	cardRate       = 0.02

	// usdThreshold separates the two crypto rate bands.
	usdThreshold = 50.0
)

// RoundCrypto rounds an amount to 8 decimal places, the smallest unit the
// crypto rail accepts.
func RoundCrypto(v float64) float64 {
	return math.Round(v*1e8+1e-9) / 1e8
}

// RoundUSD rounds an amount to cents.
func RoundUSD(v float64) float64 {
	return math.Round(v*100+1e-9) / 100
}

// Quote is the fee breakdown for a single escrow amount.
type Quote struct {
	// Rate is the percentage applied, as a fraction (0.02 = 2%).
	Rate float64 `json:"fee_rate"`
	// FeeAmount is the platform's cut in the escrow's own currency units.
	FeeAmount float64 `json:"fee_amount"`
	// NetAmount is what the seller receives, in the escrow's currency units.
	NetAmount float64 `json:"net_amount"`
	// USDAmount is the USD valuation of the full escrow amount.
	USDAmount float64 `json:"usd_amount"`
}

// Engine quotes platform fees. USD valuations come from the injected price
// source at quote time; callers persist the quote so settlement never
// re-prices.
type Engine struct {
	prices prices.Source
}

// NewEngine creates a fee engine backed by the given price source.
func NewEngine(src prices.Source) *Engine {
	return &Engine{prices: src}
}

// Quote computes the fee for an escrow amount. For crypto the threshold is
// evaluated in USD but the fee and net are in crypto units; for card
// everything is USD.
func (e *Engine) Quote(ctx context.Context, amount float64, currency, method string) (*Quote, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("fee quote requires a positive amount, got %v", amount)
	}

	switch method {
	case MethodCrypto:
		price, err := e.prices.USDPrice(ctx, currency)
		if err != nil {
			return nil, fmt.Errorf("pricing %s: %w", currency, err)
		}
		usd := RoundCrypto(amount * price)
		rate := cryptoRateLow
		if usd >= usdThreshold {
			rate = cryptoRateHigh
		}
		fee := RoundCrypto(amount * rate)
		return &Quote{
			Rate:      rate,
			FeeAmount: fee,
			NetAmount: RoundCrypto(amount - fee),
			USDAmount: usd,
		}, nil

	case MethodCard:
		fee := RoundCrypto(amount * cardRate)
		return &Quote{
			Rate:      cardRate,
			FeeAmount: fee,
			NetAmount: RoundCrypto(amount - fee),
			USDAmount: amount,
		}, nil

	default:
		return nil, fmt.Errorf("unknown payment method %q", method)
	}
}

// Tier is one half-open [MinAmount, MaxAmount) band of a method rule.
// A nil MaxAmount means the band is unbounded above.
type Tier struct {
	MinAmount float64  `json:"min_amount"`
	MaxAmount *float64 `json:"max_amount,omitempty"`
	Percent   float64  `json:"percent"`
	FixedUSD  float64  `json:"fixed_usd"`
}

// MethodRule overrides the default rate for one payment method. If Tiers is
// non-empty the matching tier wins; otherwise the flat Percent/FixedUSD apply.
type MethodRule struct {
	Percent  float64 `json:"percent"`
	FixedUSD float64 `json:"fixed_usd"`
	Tiers    []Tier  `json:"tiers,omitempty"`
}

// CurrencyRule is an additive surcharge for one currency.
type CurrencyRule struct {
	Percent  float64 `json:"percent"`
	FixedUSD float64 `json:"fixed_usd"`
}

// Rules is a configurable pricing rule set. Method rules replace the default
// method rate; currency surcharges stack on top.
type Rules struct {
	Methods    map[string]MethodRule   `json:"methods,omitempty"`
	Currencies map[string]CurrencyRule `json:"currencies,omitempty"`
}

// chooseTier picks the matching tier with the highest MinAmount. Bands are
// half-open: an amount equal to MaxAmount falls into the next band.
func chooseTier(tiers []Tier, base float64) *Tier {
	var match *Tier
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinAmount < sorted[j].MinAmount
	})
	for i := range sorted {
		t := sorted[i]
		if base < t.MinAmount {
			continue
		}
		if t.MaxAmount != nil && base >= *t.MaxAmount {
			continue
		}
		match = &sorted[i]
	}
	return match
}

// AdjustPrice applies the rules to a USD base price, returning the buyer's
// total. A nil rule set passes the base through unchanged. The result is
// clamped to at least one cent and rounded to cents.
func (r *Rules) AdjustPrice(baseUSD float64, method, currency string) float64 {
	if r == nil {
		return RoundUSD(baseUSD)
	}

	var totalPercent, totalFixed float64

	if mdef, ok := r.Methods[method]; ok {
		if tier := chooseTier(mdef.Tiers, baseUSD); tier != nil {
			totalPercent += tier.Percent
			totalFixed += tier.FixedUSD
		} else {
			totalPercent += mdef.Percent
			totalFixed += mdef.FixedUSD
		}
	} else {
		switch method {
		case MethodCard:
			totalPercent += cardRate * 100
		case MethodCrypto:
			if baseUSD < usdThreshold {
				totalPercent += cryptoRateLow * 100
			} else {
				totalPercent += cryptoRateHigh * 100
			}
		}
	}

	if currency != "" {
		if cdef, ok := r.Currencies[strings.ToUpper(currency)]; ok {
			totalPercent += cdef.Percent
			totalFixed += cdef.FixedUSD
		}
	}

	adjusted := baseUSD*(1+totalPercent/100) + totalFixed
	if adjusted < 0.01 {
		adjusted = 0.01
	}
	return RoundUSD(adjusted)
}
