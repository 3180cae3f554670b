package bootstrap

import (
	"context"

	"orpheus/internal/adapters/config"
	errnoop "orpheus/internal/adapters/errors/noop"
	"orpheus/internal/adapters/errors/sentry"
	"orpheus/internal/adapters/kafka"
	redisclient "orpheus/internal/adapters/redis"
	"orpheus/internal/api"
	"orpheus/internal/api/health"
	"orpheus/internal/api/ws"
	"orpheus/internal/events"
	"orpheus/internal/gateway"
	"orpheus/internal/identity"
	"orpheus/internal/router"
	"orpheus/internal/session"
	"orpheus/internal/workers"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	// Initialize logger
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure initializes the optional backends (Redis, Kafka).
// Both are additive: the orchestrator runs without them.
func (c *Container) MustInitInfrastructure() {
	if c.Config.Redis.Enabled() {
		c.Log.Info("Connecting to Redis...")
		redis, err := redisclient.NewClient(c.Config.Redis)
		if err != nil {
			c.Log.Fatalf("failed to connect redis: %v", err)
		}
		c.Redis = redis
		c.Log.Info("✓ Redis connected")
	} else {
		c.Log.Info("Redis not configured, tool descriptor cache disabled")
	}

	if c.Config.Kafka.Enabled() {
		c.KafkaProducer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers: c.Config.Kafka.Brokers,
			Async:   true,
		})
		c.Log.Infow("✓ Kafka producer initialized", "brokers", c.Config.Kafka.Brokers)
	} else {
		c.Log.Info("Kafka not configured, audit events are logged only")
	}
}

// ========================================
// Phase 3: Identity
// ========================================

// MustInitIdentity wires both credential domains: the service-level token
// source and the per-owner token exchanger.
func (c *Container) MustInitIdentity() {
	c.ServiceTokens = identity.NewServiceTokenSource(c.Config.Identity)
	c.Exchanger = identity.NewExchanger(c.Config.Identity)
	c.Log.Info("✓ Identity providers initialized")
}

// ========================================
// Phase 4: Tool Gateway & Router
// ========================================

// MustInitGateway constructs the tool gateway client and the meta-tool
// router. A missing gateway URL puts the router into degraded mode: sessions
// still run, with an empty tool manifest.
func (c *Container) MustInitGateway() {
	if c.Config.Gateway.URL == "" {
		c.Log.Warn("Gateway not configured, running degraded (no tools)")
		c.Router = router.New(nil)
		return
	}

	c.Gateway = gateway.NewClient(c.Config.Gateway, c.ServiceTokens, c.Redis)
	c.Router = router.New(c.Gateway)

	// Warm up tool discovery so the first session does not pay for it.
	// Failure here is not fatal: discovery retries lazily on first use.
	ctx, cancel := context.WithTimeout(c.Context, c.Config.Gateway.ListTimeout)
	defer cancel()
	if tools, err := c.Gateway.ListTools(ctx); err != nil {
		c.Log.Warnw("Gateway tool discovery failed at startup, will retry lazily", "error", err)
	} else {
		c.Log.Infow("✓ Gateway connected", "tools", len(tools))
	}
}

// ========================================
// Phase 5: Session Orchestration
// ========================================

// MustInitSessions builds the session registry and manager
func (c *Container) MustInitSessions() {
	c.Publisher = events.NewPublisher(c.KafkaProducer)
	c.Registry = session.NewRegistry()
	c.Manager = session.NewManager(
		c.Config.Session,
		c.Config.Model,
		c.Registry,
		c.Exchanger,
		c.Router,
		c.Publisher,
	)
	c.Log.Info("✓ Session manager initialized")
}

// ========================================
// Phase 6: Application Layer
// ========================================

// MustInitApplication builds the HTTP server with health and websocket routes
func (c *Container) MustInitApplication() {
	c.HealthHandler = health.New(
		c.Log,
		c.Registry,
		c.Redis,
		c.Router.Degraded(),
		c.Config.App.Name,
		c.Config.App.Version,
	)

	wsHandler := ws.NewHandler(c.Manager, c.Config.Server)

	c.HTTPServer = api.NewServer(api.ServerConfig{
		Port:        c.Config.Server.Port,
		ServiceName: c.Config.App.Name,
		Version:     c.Config.App.Version,
	}, c.HealthHandler, wsHandler, c.Log)
}

// ========================================
// Phase 7: Background Processing
// ========================================

// MustInitBackground registers the background workers
func (c *Container) MustInitBackground() {
	c.WorkerScheduler = workers.NewScheduler()
	c.WorkerScheduler.RegisterWorker(workers.NewIdleSweeperWorker(
		c.Manager,
		c.Config.Session.SweepInterval,
		c.Config.Session.IdleThreshold,
	))
	c.Log.Info("✓ Background workers registered")
}

// provideErrorTracker creates Sentry tracker or noop fallback
func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled, using noop tracker")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry, falling back to noop: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Sentry error tracking initialized")
	return tracker
}
