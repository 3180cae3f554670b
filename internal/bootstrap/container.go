package bootstrap

import (
	"context"
	"sync"

	"orpheus/internal/adapters/config"
	"orpheus/internal/adapters/kafka"
	redisclient "orpheus/internal/adapters/redis"
	"orpheus/internal/api"
	"orpheus/internal/api/health"
	"orpheus/internal/events"
	"orpheus/internal/gateway"
	"orpheus/internal/identity"
	"orpheus/internal/router"
	"orpheus/internal/session"
	"orpheus/internal/workers"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure Layer (optional backends)
	Redis         *redisclient.Client
	KafkaProducer *kafka.Producer

	// Identity & tool routing
	ServiceTokens *identity.ServiceTokenSource
	Exchanger     *identity.Exchanger
	Gateway       *gateway.Client // nil when no gateway is configured
	Router        *router.Router

	// Session orchestration
	Publisher *events.Publisher
	Registry  *session.Registry
	Manager   *session.Manager

	// Application Layer
	HTTPServer    *api.Server
	HealthHandler *health.Handler

	// Background Processing
	WorkerScheduler *workers.Scheduler

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Lifecycle: NewLifecycle(),
		WG:        &sync.WaitGroup{},
		Context:   ctx,
		Cancel:    cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitIdentity()
	c.MustInitGateway()
	c.MustInitSessions()
	c.MustInitApplication()
	c.MustInitBackground()
}

// Start starts the HTTP server and background workers
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	if err := c.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Info("✓ All systems operational")
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Cancel application context to signal all components to stop
	c.Cancel()

	c.Lifecycle.Shutdown(
		c.WG,
		c.HTTPServer,
		c.Manager,
		c.Config.Server.ShutdownGrace,
		c.WorkerScheduler,
		c.KafkaProducer,
		c.Redis,
		c.ErrorTracker,
		c.Log,
	)
}
