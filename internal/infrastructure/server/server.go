package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	httpapi "github.com/GriffinCanCode/webshell/internal/api/http"
	"github.com/GriffinCanCode/webshell/internal/api/middleware"
	"github.com/GriffinCanCode/webshell/internal/api/ws"
	"github.com/GriffinCanCode/webshell/internal/auth"
	"github.com/GriffinCanCode/webshell/internal/bridge"
	"github.com/GriffinCanCode/webshell/internal/infrastructure/config"
	"github.com/GriffinCanCode/webshell/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webshell/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webshell/internal/terminal"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config  *config.Config
	router  *gin.Engine
	http    *http.Server
	logger  *logging.Logger
	metrics *monitoring.Metrics

	gate     *auth.Gate
	registry *terminal.Registry
	hub      *bridge.Hub

	loginLimiter *middleware.RateLimiter
	apiLimiter   *middleware.RateLimiter
	cron         *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

type options struct {
	spawner  terminal.Spawner
	registry *prometheus.Registry
	logger   *logging.Logger
}

// Option customizes a Server.
type Option func(*options)

// WithSpawner replaces the PTY spawner.
func WithSpawner(s terminal.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithRegistry registers metrics with reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(loggerConfig(cfg.Logging))
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	logger.Info("Initializing web shell server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("command", cfg.Terminal.Command),
	)

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := monitoring.NewMetrics(reg)

	gate, err := auth.NewGate(auth.Config{
		Username:   cfg.Auth.Username,
		Password:   cfg.Auth.Password,
		SessionTTL: cfg.Auth.SessionTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	}, logger.Component("auth"))
	if err != nil {
		return nil, err
	}

	spawner := o.spawner
	if spawner == nil {
		spawner = terminal.PTYSpawner{}
	}
	if cfg.Terminal.SpawnFailureThreshold > 0 {
		guard := terminal.NewGuardedSpawner(spawner, cfg.Terminal.SpawnFailureThreshold, cfg.Terminal.SpawnCooldown)
		spawnLogger := logger.Component("spawn_guard")
		guard.OnStateChange = func(from, to terminal.GuardState) {
			spawnLogger.Warn("Spawn guard state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
			metrics.SetSpawnGuardOpen(to == terminal.GuardOpen)
		}
		spawner = guard
	}

	registry := terminal.NewRegistry(spawner, terminal.SpawnOptions{
		Command:  cfg.Terminal.Command,
		Args:     cfg.Terminal.Args,
		Dir:      cfg.Terminal.Dir,
		Env:      cfg.Terminal.Env,
		TermName: cfg.Terminal.Term,
		Cols:     cfg.Terminal.Cols,
		Rows:     cfg.Terminal.Rows,
	}, logger.Logger).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       cfg,
		logger:       logger,
		metrics:      metrics,
		gate:         gate,
		registry:     registry,
		hub:          bridge.NewHub(),
		loginLimiter: middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst)),
		apiLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			Limit: rate.Limit(cfg.RateLimit.RequestsPerSecond),
			Burst: cfg.RateLimit.Burst,
		}),
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := s.cron.AddFunc(cfg.Auth.SweepSchedule, s.sweep); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Auth.SweepSchedule, err)
	}

	s.router = s.setupRouter(reg)
	s.http = &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: s.router,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// loggerConfig starts from the production or development preset and applies
// the configured overrides.
func loggerConfig(c config.LogConfig) logging.Config {
	out := logging.DefaultConfig()
	if c.Development {
		out = logging.DevelopmentConfig()
	}
	if c.Level != "" {
		out.Level = c.Level
	}
	out.Format = c.Format
	return out
}

func (s *Server) setupRouter(reg *prometheus.Registry) *gin.Engine {
	cfg := s.config
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(s.logger.Component("http")))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	if cfg.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
			zap.Int("login_per_minute", cfg.RateLimit.LoginPerMinute),
		)
		router.Use(s.apiLimiter.Middleware())
	}

	handlers := httpapi.NewHandlers(httpapi.Options{
		Auth:         s.gate,
		Terminals:    s.registry,
		Connections:  s.hub,
		Metrics:      s.metrics,
		StaticDir:    cfg.Server.StaticDir,
		WorkDir:      cfg.Terminal.Dir,
		FileRoot:     cfg.Server.FileRoot,
		MaxFileBytes: cfg.Server.MaxFileBytes,
		CookieSecure: cfg.Auth.CookieSecure,
		Logger:       s.logger.Component("http"),
	})
	wsHandler := ws.NewHandler(ws.Options{
		Validator:       s.gate,
		Logout:          s.gate.Logout,
		Registry:        s.registry,
		Hub:             s.hub,
		Metrics:         s.metrics,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadyDelay:      cfg.Bridge.ReadyDelay,
		QueueSize:       cfg.Bridge.QueueSize,
		MaxMessageBytes: cfg.Bridge.MaxMessageBytes,
		PingInterval:    cfg.Bridge.PingInterval,
		Context:         s.ctx,
		Logger:          s.logger.Component("ws"),
	})

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	limitUpgrades := s.limitUpgrades()

	// Pages. A WebSocket upgrade on / is accepted like /ws.
	router.GET("/", func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			if limitUpgrades(c); !c.IsAborted() {
				wsHandler.HandleConnection(c)
			}
			return
		}
		handlers.Index(c)
	})
	router.GET("/login", handlers.LoginPage)

	// Auth
	router.POST("/login", s.limitLogins(), handlers.Login)
	router.POST("/logout", handlers.Logout)

	authed := router.Group("/", middleware.RequireAuth(s.gate))
	authed.POST("/change-password", handlers.ChangePassword)
	authed.GET("/api/me", handlers.Me)
	authed.GET("/api/info", handlers.Info)
	authed.GET("/api/file/*path", handlers.File)
	authed.GET("/api/terminals", handlers.ListTerminals)
	authed.GET("/api/stats", handlers.Stats)

	// WebSocket
	router.GET("/ws", limitUpgrades, wsHandler.HandleConnection)
	router.GET("/terminal", limitUpgrades, wsHandler.HandleConnection)

	if dir := cfg.Server.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			router.NoRoute(gin.WrapH(gzhttp.GzipHandler(http.FileServer(http.Dir(dir)))))
		} else {
			s.logger.Warn("Static directory not found", zap.String("dir", dir))
		}
	}

	return router
}

// limitLogins applies the per-IP login limit and counts rejections.
func (s *Server) limitLogins() gin.HandlerFunc {
	limit := s.loginLimiter.Middleware()
	return func(c *gin.Context) {
		limit(c)
		if c.IsAborted() {
			s.metrics.RecordLogin("limited")
		}
	}
}

// limitUpgrades bounds WebSocket upgrade attempts across all clients,
// independently of the per-IP API limit.
func (s *Server) limitUpgrades() gin.HandlerFunc {
	cfg := s.config.RateLimit
	limit := rate.Limit(cfg.UpgradesPerSecond)
	if cfg.UpgradesPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.UpgradeBurst
	if burst <= 0 {
		burst = 1
	}
	return middleware.GlobalRateLimit(middleware.RateLimitConfig{Limit: limit, Burst: burst})
}

// sweep drops expired login sessions and idle rate limiter entries.
func (s *Server) sweep() {
	expired := s.gate.Cleanup()
	s.metrics.SetLoginSessions(s.gate.Len())
	pruned := s.loginLimiter.Prune() + s.apiLimiter.Prune()
	if expired > 0 || pruned > 0 {
		s.logger.Debug("Sweep finished",
			zap.Int("expired_sessions", expired),
			zap.Int("pruned_clients", pruned),
		)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the live bridge hub.
func (s *Server) Hub() *bridge.Hub { return s.hub }

// Registry returns the terminal registry.
func (s *Server) Registry() *terminal.Registry { return s.registry }

// Gate returns the authentication gate.
func (s *Server) Gate() *auth.Gate { return s.gate }

// Run starts the HTTP server and blocks until it stops. It returns nil after
// Shutdown.
func (s *Server) Run() error {
	s.cron.Start()
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown closes every connection with a going-away status, kills every
// terminal and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	s.cancel()
	s.hub.CloseAll()
	<-s.cron.Stop().Done()

	err := s.http.Shutdown(ctx)
	if n := s.registry.Shutdown(); n > 0 {
		s.logger.Info("Killed remaining terminals", zap.Int("count", n))
	}

	_ = s.logger.Sync()
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
