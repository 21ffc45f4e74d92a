package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adam-php/medius/internal/config"
	"github.com/adam-php/medius/internal/prices"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config with both rails disabled.
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		ReferralRate:    0.20,
		MinWithdrawUSD:  5,
		MaxWithdrawUSD:  10000,
		CallbackTimeout: time.Second,
		FrontendURL:     "https://medius.example.com",
		AdminSecret:     "test-admin-secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), WithPriceSource(prices.Static{"BTC": 50000, "ETH": 2000}))
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzBeforeStartup(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInfoReportsDisabledRails(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Name  string `json:"name"`
		Rails struct {
			Crypto bool `json:"crypto"`
			Card   bool `json:"card"`
		} `json:"rails"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Medius", body.Name)
	assert.False(t, body.Rails.Crypto)
	assert.False(t, body.Rails.Card)
}

func TestCurrencies(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/v1/currencies", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Currencies []struct {
			Currency string  `json:"currency"`
			Method   string  `json:"method"`
			USDPrice float64 `json:"usd_price"`
		} `json:"currencies"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, len(body.Currencies), body.Count)

	found := map[string]string{}
	for _, c := range body.Currencies {
		found[c.Currency] = c.Method
	}
	assert.Equal(t, "crypto", found["BTC"])
	assert.Equal(t, "card", found["USD"])
}

func registerKey(t *testing.T, srv *Server, userID string) string {
	t.Helper()
	w := do(srv, http.MethodPost, "/v1/auth/register", map[string]string{"user_id": userID}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.APIKey)
	return body.APIKey
}

func TestRegisterIssuesWorkingKey(t *testing.T) {
	srv := newTestServer(t)
	key := registerKey(t, srv, "user_1")

	w := do(srv, http.MethodGet, "/v1/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + key,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user_1")
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/v1/escrows", "/v1/checkout", "/v1/referrals/summary"} {
		w := do(srv, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestCreateEscrowWithoutRail(t *testing.T) {
	srv := newTestServer(t)
	key := registerKey(t, srv, "user_buyer")

	w := do(srv, http.MethodPost, "/v1/escrows", map[string]any{
		"seller_id":      "user_seller",
		"amount":         0.5,
		"currency":       "BTC",
		"payment_method": "crypto",
	}, map[string]string{"Authorization": "Bearer " + key})

	// both rails are disabled in the test config
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesRejectWithoutSecret(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/v1/admin/transactions", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminStatus(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/v1/admin/status", nil, map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status struct {
			Env        string `json:"env"`
			Persistent bool   `json:"persistent"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "development", body.Status.Env)
	assert.False(t, body.Status.Persistent)
}
