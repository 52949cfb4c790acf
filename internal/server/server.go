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
	"github.com/hibiken/asynq"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/taskhold/internal/auth"
	"github.com/mbd888/taskhold/internal/circuitbreaker"
	"github.com/mbd888/taskhold/internal/config"
	"github.com/mbd888/taskhold/internal/contracts"
	"github.com/mbd888/taskhold/internal/disputes"
	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/health"
	"github.com/mbd888/taskhold/internal/idgen"
	"github.com/mbd888/taskhold/internal/jobs"
	"github.com/mbd888/taskhold/internal/logging"
	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/notify"
	"github.com/mbd888/taskhold/internal/payments"
	"github.com/mbd888/taskhold/internal/quota"
	"github.com/mbd888/taskhold/internal/ratelimit"
	"github.com/mbd888/taskhold/internal/realtime"
	"github.com/mbd888/taskhold/internal/scheduler"
	"github.com/mbd888/taskhold/internal/security"
	"github.com/mbd888/taskhold/internal/sweeps"
	"github.com/mbd888/taskhold/internal/traces"
	"github.com/mbd888/taskhold/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	catalog         jobs.Catalog
	gateway         escrow.Gateway
	breakerGW       *payments.BreakerGateway
	ledger          *escrow.Ledger
	contractService *contracts.Service
	disputeService  *disputes.Service
	quotaService    *quota.Service
	dispatcher      *notify.Dispatcher
	downstream      notify.Notifier
	realtimeHub     *realtime.Hub
	scheduler       *scheduler.Scheduler
	authMgr         *auth.Manager
	rateLimiter     *ratelimit.Limiter
	health          *health.Registry

	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_ADDR
	asynqClient *asynq.Client
	asynqServer *asynq.Server

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error
	drainDelay    time.Duration
	now           func() time.Time
	schedulerDone chan struct{}

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

// WithGateway replaces the payment gateway (for testing)
func WithGateway(gw escrow.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithClock sets the time source of every service (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(3 * time.Second),
		drainDelay: 5 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		contractStore contracts.Store
		entryStore    escrow.EntryStore
		disputeStore  disputes.Store
		quotaStore    quota.Store
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.catalog = jobs.NewPostgresStore(db)
		contractStore = contracts.NewPostgresStore(db)
		entryStore = escrow.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		quotaStore = quota.NewPostgresStore(db)
		s.health.Register("postgres", health.Ping(db))
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics disabled", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.catalog = jobs.NewMemoryStore()
		contractStore = contracts.NewMemoryStore()
		entryStore = escrow.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		quotaStore = quota.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.health.Register("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})
	}

	// Payments
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey)
			s.logger.Info("stripe gateway enabled")
		} else {
			s.gateway = payments.NewMemoryGateway()
			s.logger.Warn("using in-memory payment gateway (no real money moves)")
		}
	}
	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	s.breakerGW = payments.NewBreakerGateway(s.gateway, breaker, cfg.GatewayTimeout)
	s.health.RegisterOptional("payment_gateway", func(context.Context) error {
		if circuit := s.breakerGW.Circuit(); circuit.State != circuitbreaker.StateClosed.String() {
			return fmt.Errorf("circuit %s after %d failures", circuit.State, circuit.Failures)
		}
		return nil
	})
	s.ledger = escrow.NewLedger(s.breakerGW, entryStore).WithLogger(s.logger).WithClock(s.now)

	// Notifications
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSAllowedOrigins)
	downstream, err := s.downstreamNotifier()
	if err != nil {
		return nil, err
	}
	s.downstream = downstream
	outbound := downstream
	if cfg.RedisAddr != "" {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		s.asynqClient = asynq.NewClient(redisOpt)
		s.asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:    cfg.SweepConcurrency,
			Queues:         map[string]int{notify.QueueName: 1},
			RetryDelayFunc: notify.RetryDelay,
			Logger:         notify.AsynqLogger(s.logger),
		})
		outbound = notify.NewQueue(s.asynqClient, cfg.NotifyMaxRetry)
		s.logger.Info("notification queue enabled", "redis", cfg.RedisAddr)
	}
	s.dispatcher = notify.NewDispatcher(notify.Multi{s.realtimeHub, outbound}, s.logger)

	// Services
	s.quotaService = quota.NewService(quotaStore, map[quota.Kind]int64{
		quota.KindContracts: cfg.MonthlyContractLimit,
	}).WithClock(s.now)
	s.contractService = contracts.NewService(contractStore, s.ledger, s.dispatcher, contracts.Policy{
		AutoConfirmGrace: cfg.AutoConfirmGrace,
		ReminderOffsets:  cfg.ReminderOffsets,
	}).WithQuota(s.quotaService).WithLogger(s.logger).WithClock(s.now)
	s.disputeService = disputes.NewService(disputeStore, s.contractService, s.dispatcher).
		WithLogger(s.logger).WithClock(s.now)

	// Sweeps
	s.scheduler = scheduler.New(cfg.SweepInterval, s.logger)
	if s.redis != nil {
		s.scheduler.WithLocker(scheduler.NewRedisLocker(s.redis))
	}
	sweeps.New(s.catalog, s.contractService, s.quotaService, s.dispatcher, sweeps.Config{
		AutoSelectLead:      cfg.AutoSelectLead,
		FlexibleSuspendLead: cfg.FlexibleSuspendLead,
		RowTimeout:          cfg.GatewayTimeout,
		Concurrency:         cfg.SweepConcurrency,
		ReminderRPS:         cfg.ReminderRPS,
	}, s.logger).WithClock(s.now).Register(s.scheduler)

	// Auth
	secret := cfg.JWTSecret
	if secret == "" {
		secret = auth.DevelopmentSecret
		s.logger.Warn("JWT_SECRET not set, using the development signing key")
	}
	s.authMgr = auth.NewManager(secret, "taskhold").WithClock(s.now)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// downstreamNotifier is where notifications finally go: the log, plus the
// push/email relay when configured.
func (s *Server) downstreamNotifier() (notify.Notifier, error) {
	out := notify.Multi{notify.NewLogNotifier(s.logger)}
	if s.cfg.NotifyWebhookURL == "" {
		return out, nil
	}
	if s.cfg.IsProduction() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := security.ValidateEndpointURL(ctx, s.cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
	}
	s.logger.Info("notification relay enabled")
	return append(out, notify.NewWebhookNotifier(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret)), nil
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
		logger := logging.L(c.Request.Context())
		if iv, ok := recovered.(*escrow.InvariantViolation); ok {
			logger.Error("CRITICAL: escrow invariant violated",
				"contract_id", iv.ContractID, "violation", iv.Msg, "path", c.Request.URL.Path)
		} else {
			logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
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

	authHandler := auth.NewHandler()
	jobsHandler := jobs.NewHandler(s.catalog)
	contractHandler := contracts.NewHandler(s.contractService)
	disputeHandler := disputes.NewHandler(s.disputeService)

	v1 := s.router.Group("/v1", validation.IDParamMiddleware("id", "contractId"))
	v1.GET("/info", s.infoHandler)
	authHandler.RegisterRoutes(v1)
	jobsHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	jobsHandler.RegisterProtectedRoutes(protected)
	contractHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.realtimeHub.HandleWebSocket)

	admin := v1.Group("/admin", auth.RequireAdmin())
	contractHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	escrow.NewHandler(s.ledger).RegisterAdminRoutes(admin)
	scheduler.NewHandler(s.scheduler).RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
	admin.GET("/gateway", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"circuit": s.breakerGW.Circuit()})
	})
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
	rep := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !rep.Ready:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.cfg.Version,
		Checks:    rep.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	health.LiveHandler(c)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Taskhold",
		"description": "Escrowed contracts for a job marketplace",
		"version":     s.cfg.Version,
		"sweeps":      s.scheduler.Tasks(),
		"policy": gin.H{
			"autoConfirmGrace":     s.cfg.AutoConfirmGrace.String(),
			"reminderOffsets":      durations(s.cfg.ReminderOffsets),
			"monthlyContractLimit": s.cfg.MonthlyContractLimit,
		},
	})
}

func durations(ds []time.Duration) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.cfg.Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	s.schedulerDone = make(chan struct{})
	go func() {
		defer close(s.schedulerDone)
		s.scheduler.Start(runCtx)
	}()

	if s.asynqServer != nil {
		mux := asynq.NewServeMux()
		notify.NewWorker(s.downstream, s.logger).Register(mux)
		if err := s.asynqServer.Start(mux); err != nil {
			s.logger.Error("failed to start notification worker", "error", err)
		}
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

	// Stop the sweeps and wait for in-flight rows before closing stores.
	s.scheduler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.schedulerDone != nil {
		<-s.schedulerDone
		s.logger.Info("scheduler stopped")
	}

	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}
	if s.asynqClient != nil {
		_ = s.asynqClient.Close()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager returns the token manager for testing
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
