// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Crypto custody rail (Tatum)
	TatumAPIKey string
	TatumAPIURL string

	// Card rail (PayPal)
	PayPalClientID     string
	PayPalClientSecret string
	PayPalLive         bool

	// Platform wallets, keyed by currency symbol (BTC, ETH, ...).
	// Fee addresses receive the platform fee cut; platform mnemonics fund
	// referral payouts and checkout aggregator disbursement.
	FeeAddresses      map[string]string
	PlatformAddresses map[string]string
	PlatformMnemonics map[string]string

	// Referral program
	ReferralRate   float64
	MinWithdrawUSD float64
	MaxWithdrawUSD float64
	// Referrers maps user id to referrer id. An external identity service
	// owns the real mapping; deployments without one inject it here.
	Referrers map[string]string

	// Outbound fulfillment callbacks
	CallbackTimeout      time.Duration
	CallbackBlockPrivate bool
	WebhookSecret        string // HMAC signing key for outbound callbacks

	// Frontend (approval redirect targets)
	FrontendURL string

	// Security
	AuthSecret  string // HMAC pepper for API key hashes at rest
	AdminSecret string // Admin API secret

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultTatumAPIURL    = "https://api.tatum.io/v3"
	DefaultReferralRate   = 0.20
	DefaultMinWithdrawUSD = 5.0
	DefaultMaxWithdrawUSD = 10000.0
	DefaultFrontendURL    = "http://localhost:3000"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		TatumAPIKey: os.Getenv("TATUM_API_KEY"),
		TatumAPIURL: getEnv("TATUM_API_URL", DefaultTatumAPIURL),

		PayPalClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
		PayPalLive:         getEnvBool("PAYPAL_LIVE", false),

		FeeAddresses:      envMap("FEE_ADDRESS_"),
		PlatformAddresses: envMap("PLATFORM_ADDRESS_"),
		PlatformMnemonics: envMap("PLATFORM_MNEMONIC_"),

		ReferralRate:   getEnvFloat("REFERRAL_RATE", DefaultReferralRate),
		MinWithdrawUSD: getEnvFloat("MIN_WITHDRAW_USD", DefaultMinWithdrawUSD),
		MaxWithdrawUSD: getEnvFloat("MAX_WITHDRAW_USD", DefaultMaxWithdrawUSD),
		Referrers:      envMap("REFERRER_"),

		CallbackTimeout:      time.Duration(getEnvInt64("OUTBOUND_CALLBACK_TIMEOUT_MS", 5000)) * time.Millisecond,
		CallbackBlockPrivate: getEnvBool("OUTBOUND_CALLBACK_BLOCK_PRIVATE", true),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),

		FrontendURL: getEnv("FRONTEND_URL", DefaultFrontendURL),

		AuthSecret:  os.Getenv("AUTH_SECRET"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
// Rail credentials are operation-scoped: a missing key disables that rail
// rather than failing startup, but production requires the auth secret.
func (c *Config) Validate() error {
	if c.ReferralRate < 0 || c.ReferralRate > 1 {
		return fmt.Errorf("REFERRAL_RATE must be between 0 and 1")
	}
	if c.MinWithdrawUSD <= 0 {
		return fmt.Errorf("MIN_WITHDRAW_USD must be positive")
	}
	if c.MaxWithdrawUSD < c.MinWithdrawUSD {
		return fmt.Errorf("MAX_WITHDRAW_USD must be >= MIN_WITHDRAW_USD")
	}
	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	return nil
}

// CryptoEnabled reports whether the crypto custody rail is configured.
func (c *Config) CryptoEnabled() bool {
	return c.TatumAPIKey != ""
}

// CardEnabled reports whether the card rail is configured.
func (c *Config) CardEnabled() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// envMap collects all variables with the given prefix into a map keyed by
// the uppercased suffix, e.g. FEE_ADDRESS_BTC=bc1... -> {"BTC": "bc1..."}.
func envMap(prefix string) map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out[strings.ToUpper(strings.TrimPrefix(k, prefix))] = v
		}
	}
	return out
}
