// Package validation provides input validation helpers for the Medius API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// MaxAmount is the hard upper bound for any escrow amount, in
// the escrow's own currency units.
const MaxAmount = 10_000_000

// SupportedCurrencies is the set of currencies escrows can be denominated
// in. USD settles over the card rail; everything else over the crypto rail.
var SupportedCurrencies = map[string]bool{
	"BTC": true, "ETH": true, "USD": true, "LTC": true, "BCH": true,
	"DOGE": true, "XRP": true, "ADA": true, "DOT": true, "MATIC": true,
	"SOL": true, "AVAX": true, "TRX": true, "BNB": true, "ATOM": true,
	"XLM": true,
	"USDT-ERC20": true,
	"USDT-BEP20": true,
	"USDT-SOL":   true,
	"USDT-TRON":  true,
}

// ChainFor maps a currency code to the chain identifier the crypto rail
// expects. USDT variants map to their underlying chain.
var ChainFor = map[string]string{
	"BTC": "bitcoin", "ETH": "ethereum", "LTC": "litecoin", "BCH": "bcash",
	"DOGE": "dogecoin", "XRP": "xrp", "ADA": "ada", "DOT": "polkadot",
	"MATIC": "polygon", "SOL": "solana", "AVAX": "avalanche", "TRX": "tron",
	"BNB": "bsc", "ATOM": "cosmos", "XLM": "xlm",
	"USDT-ERC20": "ethereum",
	"USDT-BEP20": "bsc",
	"USDT-SOL":   "solana",
	"USDT-TRON":  "tron",
}

// evmCurrencies settle to 0x addresses regardless of chain.
var evmCurrencies = map[string]bool{
	"ETH": true, "MATIC": true, "BNB": true, "AVAX": true,
	"USDT-ERC20": true, "USDT-BEP20": true,
}

// minUSDAmounts is the minimum escrow value in USD per crypto currency.
// Only enforced when the caller supplies a USD valuation.
var minUSDAmounts = map[string]float64{
	"BTC": 2, "ETH": 3, "LTC": 0.50, "BCH": 0.50, "DOGE": 1,
	"XRP": 0.25, "ADA": 0.50, "DOT": 1, "MATIC": 0.25, "SOL": 1,
	"AVAX": 0.50, "TRX": 0.25, "BNB": 0.50, "ATOM": 0.50, "XLM": 0.10,
	"USDT-ERC20": 1, "USDT-BEP20": 1, "USDT-SOL": 1, "USDT-TRON": 1,
}

var (
	// btcAddressRegex covers legacy base58 and bech32 mainnet forms
	btcAddressRegex = regexp.MustCompile(`^(bc1[a-z0-9]{25,90}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`)
	// genericAddressRegex is the fallback for chains without a stricter check
	genericAddressRegex = regexp.MustCompile(`^[a-zA-Z0-9:\-_.]{10,150}$`)
	emailRegex          = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeCurrency uppercases and trims a currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// IsSupportedCurrency reports whether the currency can denominate an escrow.
func IsSupportedCurrency(currency string) bool {
	return SupportedCurrencies[NormalizeCurrency(currency)]
}

// IsEVMCurrency reports whether the currency settles to an EVM address.
func IsEVMCurrency(currency string) bool {
	return evmCurrencies[NormalizeCurrency(currency)]
}

// IsValidAddress checks address plausibility for the given currency.
// EVM chains get a strict hex check; BTC gets base58/bech32; other chains
// a length and charset sanity check.
func IsValidAddress(address, currency string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	cur := NormalizeCurrency(currency)
	switch {
	case evmCurrencies[cur]:
		// IsHexAddress also accepts bare hex; require the 0x prefix.
		return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
	case cur == "BTC":
		return btcAddressRegex.MatchString(address)
	default:
		return genericAddressRegex.MatchString(address)
	}
}

// IsValidEmail does a light-weight email shape check for card payouts.
func IsValidEmail(email string) bool {
	return len(email) <= 254 && emailRegex.MatchString(email)
}

// CheckAmount validates an escrow amount. usdValue may be negative to
// indicate no USD valuation is available, in which case per-currency USD
// minimums are skipped.
func CheckAmount(amount float64, currency string, usdValue float64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if amount > MaxAmount {
		return fmt.Errorf("maximum amount is %d", MaxAmount)
	}
	cur := NormalizeCurrency(currency)
	if cur != "" && cur != "USD" && usdValue >= 0 {
		min, ok := minUSDAmounts[cur]
		if !ok {
			min = 0.50
		}
		if usdValue < min {
			return fmt.Errorf("minimum amount for %s is $%.2f USD", cur, min)
		}
	}
	return nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidCurrency checks if a field names a supported currency
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsSupportedCurrency(value) {
			return &ValidationError{Field: field, Message: "unsupported currency: " + value}
		}
		return nil
	}
}

// ValidAddress checks if a field holds a plausible address for the currency
func ValidAddress(field, value, currency string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(value, currency) {
			return &ValidationError{Field: field, Message: "invalid address for " + NormalizeCurrency(currency)}
		}
		return nil
	}
}

// ValidEmail checks if a field holds a plausible email address
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
