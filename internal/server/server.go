// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/credgate/internal/billing"
	"github.com/mbd888/credgate/internal/circuitbreaker"
	"github.com/mbd888/credgate/internal/config"
	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/health"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/idgen"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/metrics"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/realtime"
	"github.com/mbd888/credgate/internal/security"
	"github.com/mbd888/credgate/internal/traces"
	"github.com/mbd888/credgate/internal/tutor"
	"github.com/mbd888/credgate/internal/usage"
	"github.com/mbd888/credgate/internal/validation"
	"github.com/mbd888/credgate/migrations"
)

// Version is reported by /health and traces. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	db      *sql.DB

	ledger        *credits.Ledger
	rolloverTimer *credits.RolloverTimer
	gate          *usage.Gate
	limiter       *ratelimit.ProviderLimiter
	providers     *providers.Registry
	adapters      map[string]providers.Adapter // overrides the registry when set
	selector      *providers.Selector
	hub           *realtime.Hub
	billing       *billing.Processor
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	resolver      identity.Resolver
	shutdownTrace func(context.Context) error

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdapters replaces the provider registry built from credentials (for
// testing and for embedding with custom adapters).
func WithAdapters(adapters map[string]providers.Adapter) Option {
	return func(s *Server) {
		s.adapters = adapters
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.IsProduction() {
		if err := security.ValidateEndpoints(cfg.EndpointOverrides()); err != nil {
			return nil, fmt.Errorf("provider endpoint: %w", err)
		}
	}

	shutdownTrace, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var store credits.Store
	var events billing.EventStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		if cfg.IsDevelopment() {
			if err := migrations.Up(ctx, db); err != nil {
				s.logger.Warn("failed to apply migrations", "error", err)
			}
		}
		store = credits.NewPostgresStore(db)
		events = billing.NewPostgresEventStore(db)
		s.health.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = credits.NewMemoryStore()
		events = billing.NewMemoryEventStore()
		s.logger.Warn("DATABASE_URL not set, credits are held in memory")
	}

	s.ledger = credits.New(store,
		credits.WithLogger(s.logger),
		credits.WithPolicy(credits.Policy{
			TopUpOnUpgrade:        cfg.TopUpOnUpgrade,
			FallbackOnUnavailable: cfg.LedgerFallbackOnUnavailable,
		}),
	)
	s.rolloverTimer = credits.NewRolloverTimer(s.ledger, cfg.RolloverInterval, s.logger)
	s.gate = usage.NewGate(s.ledger,
		usage.WithRefundOnProviderFailure(cfg.RefundOnProviderFailure),
		usage.WithLogger(s.logger),
	)

	if err := s.setupProviders(ctx); err != nil {
		return nil, err
	}

	s.hub = realtime.NewHub(s.ledger, s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	prices := make(map[string]credits.Tier)
	if cfg.StripePricePro != "" {
		prices[cfg.StripePricePro] = credits.TierPro
	}
	if cfg.StripePriceUnlimited != "" {
		prices[cfg.StripePriceUnlimited] = credits.TierUnlimited
	}
	s.billing = billing.NewProcessor(s.ledger, events, prices, s.logger)

	s.resolver = s.identityResolver()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupProviders builds the adapters, the shared admission limiter and the
// selector.
func (s *Server) setupProviders(ctx context.Context) error {
	cfg := s.cfg
	opts := ratelimit.DefaultOptions()
	opts.Default.MaxConcurrent = cfg.ProviderMaxConcurrent
	opts.Default.MaxPerWindow = cfg.ProviderMaxPerMinute
	opts.MaxAttempts = cfg.RetryMaxAttempts
	opts.BaseDelay = cfg.RetryBaseDelay
	opts.Breaker = circuitbreaker.New(5, 30*time.Second)
	opts.Logger = s.logger
	s.limiter = ratelimit.NewProviderLimiter(opts)

	adapters := s.adapters
	if adapters == nil {
		reg, err := providers.NewRegistry(ctx, providers.Credentials{
			OpenAIKey:      cfg.OpenAIAPIKey,
			OpenAIBaseURL:  cfg.OpenAIBaseURL,
			GeminiKey:      cfg.GeminiAPIKey,
			ElevenLabsKey:  cfg.ElevenLabsAPIKey,
			ElevenLabsURL:  cfg.ElevenLabsBaseURL,
			DeepgramKey:    cfg.DeepgramAPIKey,
			DeepgramURL:    cfg.DeepgramBaseURL,
			HuggingFaceKey: cfg.HuggingFaceAPIKey,
			HFChatURL:      cfg.HuggingFaceChatURL,
			HFTTSURL:       cfg.HuggingFaceTTSURL,
		}, providers.NewCaller(nil, s.limiter), s.limiter, s.logger)
		if err != nil {
			return fmt.Errorf("failed to build providers: %w", err)
		}
		s.providers = reg
		adapters = reg.Adapters()
	}

	rules, err := providers.RulesFromPreferences(cfg.SLMMode, cfg.ChatProviders, cfg.TTSProviders, cfg.STTProviders)
	if err != nil {
		return fmt.Errorf("invalid provider preferences: %w", err)
	}
	s.selector, err = providers.NewSelector(rules, adapters)
	if err != nil {
		return fmt.Errorf("invalid provider preferences: %w", err)
	}

	s.health.Register("providers", func(context.Context) health.Status {
		if _, err := s.selector.Chat(); err != nil {
			return health.Status{Name: "providers", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "providers", Healthy: true}
	})
	s.logger.Info("providers configured", "selection", s.selector.Describe(), "slm_mode", cfg.SLMMode)
	return nil
}

// identityResolver trusts bearer tokens when a JWT secret is set, and the
// X-User-ID header only when explicitly allowed.
func (s *Server) identityResolver() identity.Resolver {
	var chain identity.Chain
	if s.cfg.JWTSecret != "" {
		chain = append(chain, identity.NewJWTResolver(s.cfg.JWTSecret))
	}
	if s.cfg.AllowHeaderIdentity {
		chain = append(chain, identity.HeaderResolver{})
	}
	if len(chain) == 0 {
		s.logger.Warn("no identity source configured, user routes will reject every request")
	}
	return chain
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if provider := c.Writer.Header().Get("X-Provider"); provider != "" {
			attrs = append(attrs, "provider", provider)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Stripe authenticates by signature, not by user.
	billing.NewHandler(s.billing, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(v1)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
		KeyFunc:           identity.UserID,
	})

	user := v1.Group("", identity.RequireUser(s.resolver), s.rateLimiter.Middleware())
	credits.NewHandler(s.ledger).RegisterRoutes(user)
	tutorHandler := tutor.NewHandler(s.gate, s.selector)
	tutorHandler.RegisterRoutes(user)
	s.hub.RegisterRoutes(user)

	admin := v1.Group("/admin", identity.RequireAdmin(s.cfg.AdminSecret), validation.UserIDParamMiddleware())
	credits.NewHandler(s.ledger).RegisterAdminRoutes(admin)
	tutorHandler.RegisterAdminRoutes(admin, s.limiter)
	admin.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    []health.Status   `json:"checks,omitempty"`
	Providers map[string]string `json:"providers"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	selection := make(map[string]string)
	for capability, name := range s.selector.Describe() {
		selection[string(capability)] = name
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Providers: selection,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	health.LiveHandler()(c)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	health.ReadyHandler(s.health)(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: the credit stream hub, the
// rollover sweep and exports pool stats. Run calls it; tests that
// drive Router directly may call it themselves.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	go s.rolloverTimer.Start(runCtx)
	if s.db != nil {
		metrics.TrackDB(s.db)
	}
	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Provider calls with retries can take most of a minute.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// In-flight requests have settled their charges; stop the workers.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rolloverTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.providers != nil {
		if err := s.providers.Close(); err != nil {
			s.logger.Error("provider close error", "error", err)
		}
	}
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}
	if s.db != nil {
		metrics.TrackDB(nil)
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger exposes the credit ledger for embedding and tests.
func (s *Server) Ledger() *credits.Ledger {
	return s.ledger
}
