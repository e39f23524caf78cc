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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/splitpay/internal/circuitbreaker"
	"github.com/mbd888/splitpay/internal/config"
	"github.com/mbd888/splitpay/internal/escrow"
	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/health"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/metrics"
	"github.com/mbd888/splitpay/internal/notary"
	"github.com/mbd888/splitpay/internal/payout"
	"github.com/mbd888/splitpay/internal/provider"
	"github.com/mbd888/splitpay/internal/ratelimit"
	"github.com/mbd888/splitpay/internal/realtime"
	"github.com/mbd888/splitpay/internal/reconciliation"
	"github.com/mbd888/splitpay/internal/runlock"
	"github.com/mbd888/splitpay/internal/security"
	"github.com/mbd888/splitpay/internal/settlement"
	"github.com/mbd888/splitpay/internal/traces"
	"github.com/mbd888/splitpay/internal/validation"
	"github.com/mbd888/splitpay/internal/webhooks"
)

// Version is reported by the health endpoint. cmd/server overrides it from
// ldflags.
var Version = "dev"

const (
	breakerThreshold   = 5
	breakerOpenFor     = 30 * time.Second
	transferRetryDelay = 500 * time.Millisecond
	dbStatsInterval    = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
	reconcileInterval  = 15 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	escrowService   *escrow.Service
	escrowTimer     *escrow.Timer
	notaryService   *notary.Service
	ingestor        *settlement.Ingestor
	ledger          settlement.Ledger
	scheduler       *settlement.Scheduler
	settlementTimer *settlement.Timer
	reconciler      *reconciliation.Runner
	reconcileTimer  *reconciliation.Timer
	executor        payout.Executor
	realtimeHub     *realtime.Hub
	subscriptions   webhooks.Store
	dispatcher      *webhooks.Dispatcher
	rateLimiter     *ratelimit.Limiter
	health          *health.Registry

	db            *sql.DB // nil if using in-memory
	redis         *redis.Client
	kafka         *events.KafkaPublisher
	chainRail     *payout.ChainRail
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithExecutor replaces the payout router (for testing)
func WithExecutor(e payout.Executor) Option {
	return func(s *Server) {
		s.executor = e
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

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, "splitpay", s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore escrow.Store
		proofStore  notary.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		proofStore = notary.NewPostgresStore(db)
		s.ledger = settlement.NewPostgresStore(db)
		s.subscriptions = webhooks.NewPostgresStore(db)
		s.health.Register("postgres", health.PingChecker("postgres", db, healthCheckTimeout))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		proofStore = notary.NewMemoryStore()
		s.ledger = settlement.NewMemoryStore()
		s.subscriptions = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Event fan-out: websocket hub and party webhooks always, Kafka when
	// brokers are configured
	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.subscriptions, s.logger)
	publishers := events.Fanout{s.realtimeHub, s.dispatcher}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, s.kafka)
		s.logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	emitter := events.NewEmitter(publishers, s.logger)

	// Batch lease: Redis across replicas, in-process otherwise
	var lock runlock.Locker = runlock.NewLocal()
	if cfg.RedisURL != "" {
		rl, client, err := runlock.NewRedisFromURL(cfg.RedisURL, s.logger)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		s.redis = client
		lock = rl
		s.health.Register("redis", health.PingChecker("redis", health.PingFunc(rl.Ping), healthCheckTimeout))
	}

	// Payout rails
	if s.executor == nil {
		router, rail, err := NewPayoutRouter(cfg, s.logger)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.executor = router
		s.chainRail = rail
	}

	// Audit notary
	signer, err := NewSigner(cfg)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	if signer == nil {
		s.logger.Warn("no notary key configured, audit proofs disabled")
	}

	s.ingestor = settlement.NewIngestor(s.ledger, s.logger).
		WithRefunds(s.ledger).
		WithEvents(emitter)
	s.escrowService = escrow.NewService(escrowStore, s.logger).
		WithReleaser(escrow.NewPayoutReleaser(s.executor, escrowStore, s.logger)).
		WithEvents(emitter).
		WithAutoReleaseDays(cfg.EscrowAutoReleaseDays)

	if signer != nil {
		s.notaryService = notary.NewService(proofStore, signer, s.logger).
			WithTimeout(cfg.NotaryTimeout).
			WithResolver(notary.SubjectSettlement, s.ingestor.SettlementPayload).
			WithResolver(notary.SubjectEscrow, s.escrowService.ReleasePayload)
		s.ingestor.WithNotary(s.notaryService)
		s.escrowService.WithNotary(s.notaryService)
	}

	s.scheduler = settlement.NewScheduler(s.ledger, s.executor, s.logger).
		WithReports(s.ledger).
		WithLock(lock).
		WithEvents(emitter).
		WithMaturity(cfg.SettlementMaturity).
		WithConcurrency(cfg.SettlementConcurrency).
		WithMaxAttempts(cfg.TransferMaxAttempts).
		WithRetryBackoff(cfg.TransferRetryBackoff)

	s.reconciler = reconciliation.NewRunner(s.ledger, s.logger).WithEscrows(escrowStore)

	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.EscrowSweepInterval, s.logger)
	s.settlementTimer = settlement.NewTimer(s.scheduler, cfg.SettlementInterval, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, reconcileInterval, s.logger)

	if s.kafka != nil {
		s.health.Register("kafka", health.PingChecker("kafka", s.kafka, healthCheckTimeout))
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// NewPayoutRouter registers a rail for each configured credential. A
// destination whose rail is missing fails with payout.ErrNoRail. The chain
// rail, when configured, is returned so the caller can close it.
func NewPayoutRouter(cfg *config.Config, logger *slog.Logger) (*payout.Router, *payout.ChainRail, error) {
	router := payout.NewRouter(logger).
		WithBreaker(circuitbreaker.New(breakerThreshold, breakerOpenFor)).
		WithRetry(cfg.TransferMaxAttempts, transferRetryDelay).
		WithTimeout(cfg.TransferTimeout)

	if cfg.StripeSecretKey != "" {
		router.WithRail(payout.RailStripe, payout.NewStripeRail(cfg.StripeSecretKey))
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, connected-account payouts disabled")
	}

	if cfg.ChainPrivateKey == "" {
		return router, nil, nil
	}
	rail, err := payout.NewChainRail(payout.ChainConfig{
		RPCURL:         cfg.ChainRPCURL,
		PrivateKey:     cfg.ChainPrivateKey,
		ChainID:        cfg.ChainID,
		USDCContract:   cfg.USDCContract,
		ConfirmTimeout: cfg.TransferTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure chain rail: %w", err)
	}
	router.WithRail(payout.RailChain, rail)
	logger.Info("USDC payout rail enabled", "address", rail.Address(), "chain_id", cfg.ChainID)
	return router, rail, nil
}

// NewSigner prefers the secp256k1 key over the HMAC secret. It returns nil
// when neither is set.
func NewSigner(cfg *config.Config) (notary.Signer, error) {
	switch {
	case cfg.NotaryPrivateKey != "":
		signer, err := notary.NewKeySigner(cfg.NotaryPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to configure notary key: %w", err)
		}
		return signer, nil
	case cfg.NotaryHMACSecret != "":
		return notary.NewHMACSigner(cfg.NotaryHMACSecret), nil
	}
	return nil, nil
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, provider) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
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

	// Event stream for dashboards and operators
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	// Provider webhooks authenticate by signature, not by header
	hooks := v1.Group("")
	hooks.Use(s.rateLimiter.Middleware("webhook"))
	provider.NewStripeWebhook(s.ingestor, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(hooks)

	escrowHandler := escrow.NewHandler(s.escrowService)
	callers := v1.Group("")
	callers.Use(s.rateLimiter.Middleware("api"), security.ActorMiddleware())
	escrowHandler.RegisterRoutes(callers)
	webhooks.NewHandler(s.subscriptions).RegisterRoutes(callers)

	if s.notaryService != nil {
		notary.NewHandler(s.notaryService).RegisterRoutes(v1)
	}

	admin := v1.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)
	settlement.NewHandler(s.ledger, s.ingestor, s.scheduler).RegisterRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
	})
}

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
		Version:   Version,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	rails := []string{}
	if s.cfg.StripeSecretKey != "" {
		rails = append(rails, payout.RailStripe)
	}
	if s.chainRail != nil {
		rails = append(rails, payout.RailChain)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":               "splitpay",
		"version":            Version,
		"env":                s.cfg.Env,
		"payoutRails":        rails,
		"notary":             s.notaryService != nil,
		"settlementMaturity": s.scheduler.Maturity().String(),
		"autoReleaseDays":    s.cfg.EscrowAutoReleaseDays,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.settlementTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

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
		cancel()
		s.closeResources()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.settlementTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("background timers stopped")

	// Let in-flight webhook deliveries record their outcome
	s.dispatcher.Wait()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return nil
}

// closeResources releases connections opened by New.
func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.chainRail != nil {
		s.chainRail.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
