// Package server wires the market, its stores and transports into one HTTP
// service.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/voltgrid/internal/auth"
	"github.com/voltgrid/voltgrid/internal/circuitbreaker"
	"github.com/voltgrid/voltgrid/internal/config"
	"github.com/voltgrid/voltgrid/internal/governance"
	"github.com/voltgrid/voltgrid/internal/health"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/market"
	"github.com/voltgrid/voltgrid/internal/metrics"
	"github.com/voltgrid/voltgrid/internal/publisher"
	"github.com/voltgrid/voltgrid/internal/ratelimit"
	"github.com/voltgrid/voltgrid/internal/realtime"
	"github.com/voltgrid/voltgrid/internal/security"
	"github.com/voltgrid/voltgrid/internal/token"
	"github.com/voltgrid/voltgrid/internal/traces"
	"github.com/voltgrid/voltgrid/internal/units"
	"github.com/voltgrid/voltgrid/internal/validation"
	"github.com/voltgrid/voltgrid/migrations"
)

// Version is reported by /health and /v1/info.
const Version = "0.3.0"

const (
	dbStatsInterval = 15 * time.Second

	tokenBreakerThreshold = 5
	tokenBreakerCooldown  = 30 * time.Second

	reconcileDrainTimeout = 2 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil unless the postgres backend is selected
	store       market.Store
	token       token.Backend
	ledger      *token.Ledger // nil with the erc20 backend
	erc20       *token.ERC20  // nil with the memory backend
	custody     common.Address
	engine      *market.Engine
	council     *governance.Council
	hub         *realtime.Hub
	publisher   *publisher.Publisher // nil without REDIS_URL
	redis       *redis.Client
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTraces func(context.Context) error
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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	if err := s.openStore(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	if err := s.openToken(); err != nil {
		s.closeResources()
		return nil, err
	}

	initialPrice, err := units.Parse(cfg.InitialPrice)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("invalid INITIAL_PRICE: %w", err)
	}
	owner := common.HexToAddress(cfg.OwnerAddress)

	var members governance.Store = governance.NewMemoryStore()
	if s.db != nil {
		members = governance.NewPostgresStore(s.db)
	}
	s.council = governance.NewCouncil(owner, members)

	s.hub = realtime.NewHub(s.logger)
	engineOpts := []market.Option{
		market.WithResolver(s.council),
		market.WithEventSink(s.hub),
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		pub, err := publisher.New(s.redis, cfg.EventTopic)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		s.publisher = pub
		engineOpts = append(engineOpts, market.WithEventSink(pub))
		s.health.Register("redis", health.ErrorChecker("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
		s.logger.Info("event stream enabled", "topic", pub.Topic())
	}

	s.engine = market.NewEngine(s.store, s.token, market.Config{
		Custody:      s.custody,
		Owner:        owner,
		InitialPrice: initialPrice,
	}, engineOpts...)
	if err := s.engine.Init(ctx); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to init market: %w", err)
	}

	s.health.Register("token", health.ErrorChecker("token", func(ctx context.Context) error {
		_, err := s.token.BalanceOf(ctx, s.custody)
		return err
	}))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	s.logger.Info("market ready",
		"store", cfg.StoreBackend,
		"token", cfg.TokenBackend,
		"custody", s.custody.Hex(),
		"owner", owner.Hex(),
	)
	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.StoreBackend {
	case config.StorePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		applied, err := migrations.Up(ctx, db)
		if err != nil {
			return err
		}
		s.store = market.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL), "migrations_applied", applied)

	case config.StoreLevel:
		store, err := market.OpenLevelStore(s.cfg.LevelDBPath)
		if err != nil {
			return fmt.Errorf("failed to open LevelDB: %w", err)
		}
		s.store = store
		s.logger.Info("using LevelDB storage", "path", s.cfg.LevelDBPath)

	default:
		s.store = market.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

func (s *Server) openToken() error {
	if s.cfg.TokenBackend == config.TokenERC20 {
		e, err := token.NewERC20(token.ERC20Config{
			RPCURL:     s.cfg.RPCURL,
			PrivateKey: s.cfg.PrivateKey,
			ChainID:    s.cfg.ChainID,
			Contract:   s.cfg.TokenContract,
		})
		if err != nil {
			return fmt.Errorf("failed to create token client: %w", err)
		}
		s.erc20 = e
		s.token = token.NewGuarded(e, circuitbreaker.New(tokenBreakerThreshold, tokenBreakerCooldown))
		s.custody = e.Custody()
		s.logger.Info("using ERC-20 settlement token", "contract", s.cfg.TokenContract, "chain_id", s.cfg.ChainID)
		return nil
	}

	s.ledger = token.NewLedger()
	s.token = s.ledger
	s.custody = common.HexToAddress(s.cfg.CustodyAddress)
	s.logger.Info("using in-memory settlement token")
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
		return strings.Replace(u.String(), ":xxxxx@", ":***@", 1)
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLog())
	s.router.Use(logging.Recovery())

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.hub.RegisterRoutes(s.router)

	marketHandler := market.NewHandler(s.engine)
	tokenHandler := token.NewHandler(s.token, s.ledger, s.custody)
	councilHandler := governance.NewHandler(s.council)

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	public := v1.Group("")
	public.Use(validation.AddressParams("address", "producer"))
	marketHandler.RegisterRoutes(public)
	tokenHandler.RegisterRoutes(public)
	councilHandler.RegisterRoutes(public)

	protected := v1.Group("")
	protected.Use(auth.NewVerifier(s.cfg.SignatureWindow).RequireSignature())
	protected.Use(validation.AddressParams("address", "producer"))
	marketHandler.RegisterProtectedRoutes(protected)
	tokenHandler.RegisterProtectedRoutes(protected)
	councilHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	tokenHandler.RegisterAdminRoutes(admin)
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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
	info := gin.H{
		"name":        "VoltGrid",
		"description": "Peer-to-peer energy market with escrow and dispute resolution",
		"version":     Version,
		"custody":     s.custody,
		"owner":       s.council.Owner(),
		"store":       s.cfg.StoreBackend,
		"token":       s.cfg.TokenBackend,
	}
	if s.publisher != nil {
		info["eventTopic"] = s.publisher.Topic()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until a
// signal, ctx cancellation or a server error.
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

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "custody", s.custody.Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, dbStatsInterval)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-gctx.Done():
		s.logger.Info("context cancelled")
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileDrainTimeout)
		if err := s.engine.Drain(ctx); err != nil {
			s.logger.Error("unconfirmed payment refunds still running at shutdown", "error", err)
		}
		cancel()
	}
	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeResources releases everything New opened. Safe on a partially
// constructed server.
func (s *Server) closeResources() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close error", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.erc20 != nil {
		_ = s.erc20.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.shutdownTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the market engine.
func (s *Server) Engine() *market.Engine {
	return s.engine
}

// Ledger returns the in-memory token ledger, or nil with the erc20 backend.
func (s *Server) Ledger() *token.Ledger {
	return s.ledger
}
