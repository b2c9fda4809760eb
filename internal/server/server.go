// Package server wires the core services together behind a thin HTTP
// surface: health, readiness, metrics, and the websocket event stream.
// Business operations are library calls; routing them is the caller's job.
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

	"github.com/paylock/paylock/internal/bridge"
	"github.com/paylock/paylock/internal/chain"
	"github.com/paylock/paylock/internal/config"
	"github.com/paylock/paylock/internal/dispute"
	"github.com/paylock/paylock/internal/escrow"
	"github.com/paylock/paylock/internal/events"
	"github.com/paylock/paylock/internal/health"
	"github.com/paylock/paylock/internal/ledger"
	"github.com/paylock/paylock/internal/logging"
	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/monitor"
	"github.com/paylock/paylock/internal/notify"
	"github.com/paylock/paylock/internal/ratelimit"
	"github.com/paylock/paylock/internal/security"
)

// Server owns the wired service graph and the HTTP listener.
type Server struct {
	cfg *config.Config

	db       *sql.DB // nil when running on in-memory stores
	chains   *chain.Registry
	ledger   *ledger.Ledger
	escrow   *escrow.Orchestrator
	disputes *dispute.Service
	monitor  *monitor.Monitor
	bridges  *bridge.Coordinator
	confirms *chain.ConfirmWatcher
	funding  *chain.FundingHub
	hub      *events.Hub
	checks   *health.Registry

	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the full service graph from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
		monitorStore monitor.Store
		bridgeStore  bridge.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		if err := lps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = lps

		eps := escrow.NewPostgresStore(db)
		if err := eps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = eps

		dps := dispute.NewPostgresStore(db)
		if err := dps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		disputeStore = dps

		mps := monitor.NewPostgresStore(db)
		if err := mps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate monitor store", "error", err)
		}
		monitorStore = mps

		bps := bridge.NewPostgresStore(db)
		if err := bps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate bridge store", "error", err)
		}
		bridgeStore = bps
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		monitorStore = monitor.NewMemoryStore()
		bridgeStore = bridge.NewMemoryStore()
	}

	s.chains = chain.NewRegistry(cfg, cfg.KeystoreSecret, s.logger)
	s.ledger = ledger.New(ledgerStore)

	// Events hub first: notifications fan out to it.
	s.hub = events.NewHub(s.logger)
	notifier := notify.Gateway(&fanoutGateway{
		slog: &notify.SlogGateway{Logger: s.logger},
		hub:  s.hub,
	})

	s.monitor = monitor.New(monitorStore, escrowStore, s.chains, notifier,
		cfg.ArbiterAddress, cfg.PaymentTimeout, cfg.CompletionTimeout, s.logger)

	s.disputes = dispute.New(disputeStore, escrowStore, s.chains,
		cfg.ArbiterAddress, cfg.ArbiterAddress, cfg.ArbiterPrivateKey,
		notifier, s.logger).
		WithLedger(s.ledger)

	s.escrow = escrow.New(escrowStore, s.chains, s.ledger,
		cfg.ArbiterAddress, cfg.ArbiterPrivateKey, notifier, s.logger).
		WithMonitor(s.monitor).
		WithDisputes(s.disputes).
		WithConfirmations(cfg.ConfirmationOverrides)

	s.bridges = bridge.New(s.chains, s.ledger, bridgeStore,
		bridge.NewStaticRates(), cfg.Chains, notifier, s.logger)

	// Background settlement: funding watchers observe escrow deposits and
	// hand them to the orchestrator, which tracks confirmations through the
	// confirm watcher instead of blocking a request goroutine.
	s.confirms = chain.NewConfirmWatcher(s.chains, s.logger)
	s.funding = s.chains.FundingHub(s.escrow)
	s.escrow.WithConfirmTracker(s.confirms).WithFundingTracker(s.funding)

	s.registerHealthChecks()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Escrow exposes the transaction orchestrator to embedding callers.
func (s *Server) Escrow() *escrow.Orchestrator { return s.escrow }

// Disputes exposes the dispute resolver.
func (s *Server) Disputes() *dispute.Service { return s.disputes }

// Bridges exposes the bridge coordinator.
func (s *Server) Bridges() *bridge.Coordinator { return s.bridges }

// Ledger exposes the balance reservation ledger.
func (s *Server) Ledger() *ledger.Ledger { return s.ledger }

// Chains exposes the gateway registry.
func (s *Server) Chains() *chain.Registry { return s.chains }

func (s *Server) registerHealthChecks() {
	s.checks.Register("chains", func(ctx context.Context) health.Status {
		for _, h := range s.chains.Health() {
			if !h.Healthy {
				return health.Status{Name: "chains", Healthy: false,
					Detail: fmt.Sprintf("chain %d degraded: %s", h.ChainID, h.Degraded)}
			}
		}
		return health.Status{Name: "chains", Healthy: true}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// maskDSN hides the password in a connection string for logging.
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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	chainIDs := make([]int64, 0, len(s.cfg.Chains))
	for id := range s.cfg.Chains {
		chainIDs = append(chainIDs, id)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "Paylock",
		"description": "Escrow transaction lifecycle and cross-chain settlement core",
		"version":     "0.1.0",
		"chains":      chainIDs,
	})
}

// Run starts the HTTP server and background loops, blocking until a
// shutdown signal or fatal error.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	// Durable deadlines survive restarts; Rearm just reports the backlog
	// before the sweep loop picks it up.
	if err := s.monitor.Rearm(runCtx); err != nil {
		s.logger.Error("failed to rearm escrow monitor", "error", err)
	}
	go s.monitor.Start(runCtx)

	go s.escrow.HandleConfirmResults(runCtx, s.confirms.Results())
	s.funding.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.monitor.Stop()
	s.logger.Info("escrow monitor stopped")

	if s.funding != nil {
		s.funding.Stop()
		s.logger.Info("funding watchers stopped")
	}
	if s.confirms != nil {
		s.confirms.Close()
		s.logger.Info("confirmation watcher stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// fanoutGateway logs every notification and mirrors it onto the websocket
// event stream so dashboards see status changes live.
type fanoutGateway struct {
	slog *notify.SlogGateway
	hub  *events.Hub
}

func (g *fanoutGateway) Send(ctx context.Context, recipients []string, subject string, event notify.Event) error {
	g.hub.Broadcast(event.Kind, event.TransactionID, event)
	return g.slog.Send(ctx, recipients, subject, event)
}
