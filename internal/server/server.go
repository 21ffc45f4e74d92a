// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/adam-php/medius/internal/admin"
	"github.com/adam-php/medius/internal/audit"
	"github.com/adam-php/medius/internal/auth"
	"github.com/adam-php/medius/internal/cardrail"
	"github.com/adam-php/medius/internal/checkout"
	"github.com/adam-php/medius/internal/config"
	"github.com/adam-php/medius/internal/cryptorail"
	"github.com/adam-php/medius/internal/custody"
	"github.com/adam-php/medius/internal/escrow"
	"github.com/adam-php/medius/internal/fees"
	"github.com/adam-php/medius/internal/health"
	"github.com/adam-php/medius/internal/logging"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/notify"
	"github.com/adam-php/medius/internal/prices"
	"github.com/adam-php/medius/internal/ratelimit"
	"github.com/adam-php/medius/internal/referral"
	"github.com/adam-php/medius/internal/security"
	"github.com/adam-php/medius/internal/traces"
	"github.com/adam-php/medius/internal/transactions"
	"github.com/adam-php/medius/internal/validation"
	"github.com/adam-php/medius/internal/watcher"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	escrows     *escrow.Service
	checkouts   *checkout.Service
	referrals   *referral.Service
	adminSvc    *admin.Service
	txns        transactions.Store
	priceSource prices.Source
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	deposits    *watcher.Watcher // nil when the crypto rail is disabled

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPriceSource overrides the live price feed (for testing)
func WithPriceSource(src prices.Source) Option {
	return func(s *Server) {
		s.priceSource = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/prices)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore   escrow.Store
		custodyStore  custody.Store
		referralStore referral.Store
		checkoutStore checkout.Store
		auditStore    audit.Store
		authStore     auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		custodyStore = custody.NewPostgresStore(db)
		referralStore = referral.NewPostgresStore(db)
		checkoutStore = checkout.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.txns = transactions.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		custodyStore = custody.NewMemoryStore()
		referralStore = referral.NewMemoryStore()
		checkoutStore = checkout.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.txns = transactions.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore, cfg.AdminSecret, auth.WithKeyPepper(cfg.AuthSecret))

	// Settlement rails. A missing credential disables the rail rather than
	// failing startup; escrows on that rail reject at create time.
	var cryptoRail cryptorail.Rail
	if cfg.CryptoEnabled() {
		tatumOpts := []cryptorail.TatumOption{cryptorail.WithBaseURL(cfg.TatumAPIURL)}
		for currency, address := range cfg.PlatformAddresses {
			tatumOpts = append(tatumOpts,
				cryptorail.WithPlatformWallet(currency, address, cfg.PlatformMnemonics[currency]))
		}
		cryptoRail = cryptorail.NewTatum(cfg.TatumAPIKey, tatumOpts...)
		s.logger.Info("crypto rail enabled", "api_url", cfg.TatumAPIURL)
	} else {
		s.logger.Warn("crypto rail disabled (TATUM_API_KEY not set)")
	}

	var cardRail cardrail.Rail
	if cfg.CardEnabled() {
		pp, err := cardrail.New(cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayPalLive)
		if err != nil {
			return nil, fmt.Errorf("failed to create card rail: %w", err)
		}
		cardRail = pp
		s.logger.Info("card rail enabled", "live", cfg.PayPalLive)
	} else {
		s.logger.Warn("card rail disabled (PayPal credentials not set)")
	}

	if s.priceSource == nil {
		s.priceSource = prices.NewCoinGecko()
	}
	feeEngine := fees.NewEngine(s.priceSource)
	wallets := custody.NewService(custodyStore, cryptoRail)
	auditLog := audit.NewLog(auditStore)

	// Outbound fulfillment callbacks
	notifyOpts := []notify.Option{
		notify.WithHTTPClient(&http.Client{Timeout: cfg.CallbackTimeout}),
	}
	if !cfg.CallbackBlockPrivate {
		s.logger.Warn("callback SSRF guard disabled")
		notifyOpts = append(notifyOpts, notify.WithAllowPrivate())
	}
	notifier := notify.NewService(cfg.WebhookSecret, notifyOpts...)

	s.referrals = referral.NewService(referralStore,
		referral.StaticReferrers(cfg.Referrers), cryptoRail, s.priceSource,
		referral.WithCommissionRate(cfg.ReferralRate),
		referral.WithWithdrawalLimits(cfg.MinWithdrawUSD, cfg.MaxWithdrawUSD))

	s.escrows = escrow.NewService(escrowStore, wallets, feeEngine, s.txns).
		WithReferrals(s.referrals).
		WithNotifier(notifier).
		WithAudit(auditLog).
		WithFrontendURL(cfg.FrontendURL)
	if cryptoRail != nil {
		s.escrows = s.escrows.WithCryptoRail(cryptoRail, cfg.FeeAddresses)
	}
	if cardRail != nil {
		s.escrows = s.escrows.WithCardRail(cardRail)
	}

	s.checkouts = checkout.NewService(checkoutStore, s.escrows, wallets,
		cryptoRail, cardRail, cfg.FrontendURL)

	if cryptoRail != nil {
		s.deposits = watcher.New(watcher.DefaultConfig(), s.escrows, s.logger)
	}

	s.adminSvc = admin.NewService(s.txns, s.referrals, auditLog, admin.SystemStatus{
		Env:           cfg.Env,
		CryptoEnabled: cfg.CryptoEnabled(),
		CardEnabled:   cfg.CardEnabled(),
		Persistent:    s.db != nil,
	})

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	} else {
		s.checks.Register("database", health.Static("database", true, "in-memory"))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS restricted to the frontend origin
	s.router.Use(security.CORSMiddleware([]string{s.cfg.FrontendURL}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/readyz", s.readyzHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	// V1 API group. Soft auth on everything so handlers can read the caller
	// identity; mutating routes additionally require it.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/auth/register", s.registerHandler)
	v1.GET("/currencies", s.currenciesHandler)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))
	{
		authHandler.RegisterRoutes(protected)

		escrowHandler := escrow.NewHandler(s.escrows, s.txns)
		escrowHandler.RegisterRoutes(protected)

		checkoutHandler := checkout.NewHandler(s.checkouts)
		checkoutHandler.RegisterRoutes(protected)

		referralHandler := referral.NewHandler(s.referrals)
		referralHandler.RegisterRoutes(protected)
	}

	// ADMIN ROUTES (require X-Admin-Secret)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAdmin(s.authMgr))
	{
		escrowHandler := escrow.NewHandler(s.escrows, s.txns)
		escrowHandler.RegisterAdminRoutes(adminGroup)

		adminHandler := admin.NewHandler(s.adminSvc)
		adminHandler.RegisterRoutes(adminGroup)
	}
}

// registerHandler handles POST /v1/auth/register
// Issues an API key bound to the caller's platform user id. User identity
// itself lives in the upstream identity service; this only mints credentials.
func (s *Server) registerHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.UserID, req.Name)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate API key",
		})
		return
	}

	s.logger.Info("API key issued", "user_id", req.UserID, "key_id", keyInfo.ID)
	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey,
		"key_id":  keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <api_key>' header in requests.",
	})
}

// currenciesHandler handles GET /v1/currencies
// Lists supported currencies with current USD prices.
func (s *Server) currenciesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	out := make([]gin.H, 0, len(validation.SupportedCurrencies))
	for currency := range validation.SupportedCurrencies {
		entry := gin.H{
			"currency": currency,
			"method":   "crypto",
		}
		if currency == "USD" {
			entry["method"] = "card"
		}
		if price, err := s.priceSource.USDPrice(ctx, currency); err == nil {
			entry["usd_price"] = price
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"currencies": out, "count": len(out)})
}

func (s *Server) healthzHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readyzHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": statuses})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Medius",
		"description": "Peer-to-peer escrow settlement engine",
		"version":     "0.1.0",
		"rails": gin.H{
			"crypto": s.cfg.CryptoEnabled(),
			"card":   s.cfg.CardEnabled(),
		},
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

	// DB pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Background deposit sweeps
	if s.deposits != nil {
		s.deposits.Start(runCtx)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.deposits != nil {
		s.deposits.Stop()
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
