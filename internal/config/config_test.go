package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultTatumAPIURL, cfg.TatumAPIURL)
	assert.InDelta(t, DefaultReferralRate, cfg.ReferralRate, 1e-9)
	assert.InDelta(t, DefaultMinWithdrawUSD, cfg.MinWithdrawUSD, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("REFERRAL_RATE", "0.10")
	t.Setenv("FEE_ADDRESS_BTC", "bc1qfee")
	t.Setenv("PLATFORM_MNEMONIC_ETH", "legal winner thank year wave")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.InDelta(t, 0.10, cfg.ReferralRate, 1e-9)
	assert.Equal(t, "bc1qfee", cfg.FeeAddresses["BTC"])
	assert.Equal(t, "legal winner thank year wave", cfg.PlatformMnemonics["ETH"])
}

func TestValidate_ReferralRateBounds(t *testing.T) {
	cfg := &Config{ReferralRate: 1.5, MinWithdrawUSD: 5, MaxWithdrawUSD: 100}
	assert.Error(t, cfg.Validate())

	cfg.ReferralRate = 0.2
	assert.NoError(t, cfg.Validate())
}

func TestValidate_WithdrawBounds(t *testing.T) {
	cfg := &Config{ReferralRate: 0.2, MinWithdrawUSD: 50, MaxWithdrawUSD: 10}
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProductionRequiresAuthSecret(t *testing.T) {
	cfg := &Config{Env: "production", ReferralRate: 0.2, MinWithdrawUSD: 5, MaxWithdrawUSD: 100}
	assert.Error(t, cfg.Validate())

	cfg.AuthSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestRailToggles(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.CryptoEnabled())
	assert.False(t, cfg.CardEnabled())

	cfg.TatumAPIKey = "key"
	assert.True(t, cfg.CryptoEnabled())

	cfg.PayPalClientID = "id"
	assert.False(t, cfg.CardEnabled())
	cfg.PayPalClientSecret = "secret"
	assert.True(t, cfg.CardEnabled())
}
