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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/blockid/trustledger/internal/circuitbreaker"
	"github.com/blockid/trustledger/internal/config"
	"github.com/blockid/trustledger/internal/health"
	"github.com/blockid/trustledger/internal/logging"
	"github.com/blockid/trustledger/internal/metrics"
	"github.com/blockid/trustledger/internal/ratelimit"
	"github.com/blockid/trustledger/internal/realtime"
	"github.com/blockid/trustledger/internal/security"
	"github.com/blockid/trustledger/internal/traces"
	"github.com/blockid/trustledger/internal/trustscore"
	"github.com/blockid/trustledger/internal/validation"
	"github.com/blockid/trustledger/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	store         trustscore.Store
	ledger        *trustscore.Ledger
	ledgerOpts    []trustscore.Option
	replay        trustscore.ReplayGuard // nil: the ledger's in-memory guard
	pgReplay      *trustscore.PostgresReplayGuard
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter // per IP
	oracleLimiter *ratelimit.Limiter // per update signer
	db            *sql.DB            // nil unless STORE=postgres
	redis         *redis.Client      // nil unless STORE=redis
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithStore overrides the store selected by configuration.
func WithStore(store trustscore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLedgerOptions appends ledger options after the configured ones.
func WithLedgerOptions(opts ...trustscore.Option) Option {
	return func(s *Server) {
		s.ledgerOpts = append(s.ledgerOpts, opts...)
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	programID, err := cfg.ProgramKey()
	if err != nil {
		return nil, fmt.Errorf("PROGRAM_ID: %w", err)
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, fmt.Errorf("RECORD_LAYOUT: %w", err)
	}
	oracles, err := cfg.OracleKeys()
	if err != nil {
		return nil, fmt.Errorf("AUTHORIZED_ORACLES: %w", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	ledgerOpts := []trustscore.Option{
		trustscore.WithLayout(layout),
		trustscore.WithOwnershipCheck(cfg.EnforceOwnership),
		trustscore.WithRiskBandCheck(cfg.EnforceRiskBand),
		trustscore.WithAuthorizedOracles(oracles...),
		trustscore.WithSignatureMaxAge(cfg.SignatureMaxAge),
		trustscore.WithLogger(s.logger),
		trustscore.WithNotifier(s.realtimeHub.PublishUpdate),
	}
	if s.replay != nil {
		ledgerOpts = append(ledgerOpts, trustscore.WithReplayGuard(s.replay))
	}
	s.ledger, err = trustscore.NewLedger(programID, s.store, append(ledgerOpts, s.ledgerOpts...)...)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	if !cfg.EnforceOwnership {
		s.logger.Warn("ownership enforcement disabled: any authorized signer may overwrite any record")
	}
	s.logger.Info("ledger configured",
		"program_id", programID.String(),
		"layout", layout.String(),
		"enforce_ownership", cfg.EnforceOwnership,
		"enforce_risk_band", cfg.EnforceRiskBand,
		"authorized_oracles", len(oracles),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		s.db = db
		s.pgReplay = trustscore.NewPostgresReplayGuard(db)
		s.replay = s.pgReplay
		s.store = trustscore.NewGuardedStore(trustscore.NewPostgresStore(db), s.storeBreaker(), "postgres")
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("using postgres store", "dsn", maskDSN(s.cfg.DatabaseURL))

	case config.StoreRedis:
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		s.redis = client
		s.replay = trustscore.NewRedisReplayGuard(client)
		s.store = trustscore.NewGuardedStore(trustscore.NewRedisStore(client), s.storeBreaker(), "redis")
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("using redis store", "url", maskDSN(s.cfg.RedisURL))

	default:
		s.store = trustscore.NewMemoryStore()
		s.logger.Warn("using in-memory store; records are lost on restart")
	}
	return nil
}

// pruneSignatures deletes expired replay-guard rows until ctx is done.
func (s *Server) pruneSignatures(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.pgReplay.Prune(ctx)
			if err != nil {
				s.logger.Warn("signature prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("pruned expired signatures", "count", n)
			}
		}
	}
}

// storeBreaker opens after five consecutive backend failures and probes
// again after 30s.
func (s *Server) storeBreaker() *circuitbreaker.Breaker {
	b := circuitbreaker.New(5, 30*time.Second)
	b.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("store circuit transition", "backend", key, "from", from.String(), "to", to.String())
	})
	return b
}

func (s *Server) closeStore() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		} else {
			s.logger.Info("redis connection closed")
		}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	ipCfg := ratelimit.DefaultConfig()
	ipCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(ipCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, client) when present
		requestID := validation.SanitizeKey(c.GetHeader("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

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
	v1.GET("/info", s.infoHandler)
	v1.GET("/stream", gin.WrapF(s.realtimeHub.HandleWebSocket))

	if s.cfg.OracleRateLimitPerMinute > 0 {
		s.oracleLimiter = ratelimit.New(ratelimit.OracleConfig(s.cfg.OracleRateLimitPerMinute))
	}
	var limiter trustscore.RateLimiter
	if s.oracleLimiter != nil {
		limiter = s.oracleLimiter
	}
	trustscore.NewHandler(s.ledger, limiter).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":             "trustledger",
		"version":          s.version,
		"programId":        s.ledger.ProgramID().String(),
		"layout":           s.ledger.Layout().String(),
		"enforceOwnership": s.ledger.EnforcesOwnership(),
		"store":            s.cfg.Store,
		"stream":           s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Error("failed to init tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.cfg.Store,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.pgReplay != nil {
		go s.pruneSignatures(runCtx, time.Minute)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the hub and collectors after in-flight updates have notified.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.oracleLimiter != nil {
		s.oracleLimiter.Stop()
	}
	s.logger.Info("rate limiters stopped")

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeStore()

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the ledger behind the API.
func (s *Server) Ledger() *trustscore.Ledger {
	return s.ledger
}
