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

	"github.com/gigvault/escrowd/internal/cardano"
	"github.com/gigvault/escrowd/internal/chain"
	"github.com/gigvault/escrowd/internal/config"
	"github.com/gigvault/escrowd/internal/dispute"
	"github.com/gigvault/escrowd/internal/escrow"
	"github.com/gigvault/escrowd/internal/health"
	"github.com/gigvault/escrowd/internal/logging"
	"github.com/gigvault/escrowd/internal/marketplace"
	"github.com/gigvault/escrowd/internal/metrics"
	"github.com/gigvault/escrowd/internal/notification"
	"github.com/gigvault/escrowd/internal/ratelimit"
	"github.com/gigvault/escrowd/internal/realtime"
	"github.com/gigvault/escrowd/internal/scheduler"
	"github.com/gigvault/escrowd/internal/security"
	"github.com/gigvault/escrowd/internal/signing"
	"github.com/gigvault/escrowd/internal/validation"
)

// Version is reported by /health and /contract-info.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainClient is the indexer surface the server uses: what the contract
// adapter needs plus the script listing and health check.
type ChainClient interface {
	cardano.Indexer
	ScriptUTxOs(ctx context.Context, scriptHash string) ([]chain.UTxO, error)
	Health(ctx context.Context) error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	chain          ChainClient
	contract       *cardano.Adapter
	marketplace    *marketplace.Service
	notifications  *notification.Service
	eventSink      *notification.EventSink
	escrowService  *escrow.Service
	escrowMonitor  *escrow.Monitor
	disputeService *dispute.Service
	scheduler      *scheduler.Scheduler
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithChain replaces the Blockfrost client (for testing)
func WithChain(c ChainClient) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	if s.chain == nil {
		s.chain = chain.New(chain.Config{
			BaseURL:      cfg.CardanoNodeURL,
			ProjectID:    cfg.CardanoAPIKey,
			Timeout:      cfg.CardanoAPITimeout,
			MaxAttempts:  cfg.CardanoRetryAttempts,
			RateLimitRPS: cfg.CardanoRateLimitRPS,
		}, chain.WithLogger(s.logger))
	}

	contract, err := cardano.NewAdapter(cardano.Config{
		Network:             cfg.CardanoNetwork,
		ScriptAddress:       cfg.EscrowContractAddress,
		ScriptHash:          cfg.EscrowScriptHash,
		ArbiterKeyHash:      cfg.ArbiterKeyHash,
		MinUTxO:             cfg.MinUTxOLovelace,
		RequireDepositMatch: cfg.RequireDepositMatch,
	}, s.chain)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow contract configuration: %w", err)
	}
	s.contract = contract
	if contract.Info().ScriptAddress == "" {
		s.logger.Warn("no escrow contract configured; lock payloads will omit the script address")
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		marketStore       marketplace.Store
		escrowStore       escrow.Store
		disputeStore      dispute.Store
		notificationStore notification.Store
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
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		marketStore = marketplace.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		notificationStore = notification.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		marketStore = marketplace.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		notificationStore = notification.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime push
	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSOrigins)

	// Notifications
	sinks := []notification.Sink{notification.NewPushSink(s.realtimeHub)}
	if cfg.EmailProvider == "console" {
		sinks = append(sinks, notification.NewLogSink(cfg.FromEmail, s.logger))
	}
	if cfg.AMQPURL != "" {
		sink, err := notification.NewEventSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			s.logger.Warn("notification events disabled", "error", err)
		} else {
			s.eventSink = sink
			sinks = append(sinks, sink)
			s.logger.Info("notification events enabled", "exchange", cfg.AMQPExchange)
		}
	}
	s.notifications = notification.NewService(notificationStore, s.logger, sinks...)

	// Marketplace, escrow, disputes
	s.marketplace = marketplace.NewService(marketStore).WithNotifier(s.notifications)
	s.escrowService = escrow.NewService(
		escrowStore,
		s.marketplace,
		escrow.NewCardanoAdapter(contract, s.marketplace),
		signing.NewVerifier(s.marketplace),
		s.logger,
	).WithNotifier(s.notifications)
	s.disputeService = dispute.NewService(
		disputeStore,
		s.escrowService,
		dispute.NewDirectory(s.marketplace, disputeStore),
		s.logger,
	).WithNotifier(s.notifications)

	// Expiry monitor
	s.escrowMonitor = escrow.NewMonitor(s.escrowService, escrowStore, s.logger).
		WithDisputes(s.disputeService)
	s.scheduler = scheduler.New(s.logger)
	if err := s.scheduler.AddSweep(cfg.MonitorSchedule, s.escrowMonitor); err != nil {
		s.closeDB()
		return nil, err
	}

	// Dependency health
	s.health = health.NewRegistry(5 * time.Second)
	s.health.Register("cardano", s.chain.Health)
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db))
	}

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	// Mark as healthy
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Contract parameters for wallets building the funding transaction
	s.router.GET("/contract-info", s.contractInfoHandler)
	s.router.GET("/contract-info/utxos", s.contractUTxOsHandler)

	// WebSocket push for notifications
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("")
	marketplace.NewHandler(s.marketplace).RegisterRoutes(api)
	escrow.NewHandler(s.escrowService, s.escrowMonitor).RegisterRoutes(api)
	dispute.NewHandler(s.disputeService).RegisterRoutes(api)
	notification.NewHandler(s.notifications).RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Monitor   MonitorStatus   `json:"monitor"`
	Timestamp string          `json:"timestamp"`
}

// MonitorStatus reports the expiry monitor's state.
type MonitorStatus struct {
	Schedule string     `json:"schedule"`
	Running  bool       `json:"running"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	mon := MonitorStatus{Schedule: s.cfg.MonitorSchedule, Running: s.escrowMonitor.Running()}
	if last := s.escrowMonitor.LastRun(); !last.IsZero() {
		mon.LastRun = &last
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Monitor:   mon,
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

func (s *Server) contractInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"contract": s.contract.Info(),
		"version":  Version,
	})
}

// contractUTxOsHandler lists the outputs currently held by the validator.
func (s *Server) contractUTxOsHandler(c *gin.Context) {
	info := s.contract.Info()
	if info.ScriptHash == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow contract is configured",
		})
		return
	}

	utxos, err := s.chain.ScriptUTxOs(c.Request.Context(), info.ScriptHash)
	if err != nil {
		logging.L(c.Request.Context()).Warn("failed to list script utxos", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "chain_unavailable",
			"message": "Failed to query the chain indexer",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"script_address": info.ScriptAddress,
		"utxos":          utxos,
		"count":          len(utxos),
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.CardanoNetwork,
			"script_address", s.contract.Info().ScriptAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.scheduler.Start()

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

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop scheduled sweeps; an in-flight sweep is cancelled and awaited
	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Error("scheduler stop error", "error", err)
	} else {
		s.logger.Info("expiry monitor stopped")
	}

	// Cancel the context for background goroutines (hub, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let queued notifications reach their sinks
	s.notifications.Wait()
	if s.eventSink != nil {
		if err := s.eventSink.Close(); err != nil {
			s.logger.Error("amqp close error", "error", err)
		}
	}

	s.closeDB()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
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
