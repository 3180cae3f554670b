package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"orpheus/pkg/errors"
)

type Config struct {
	App           AppConfig
	Server        ServerConfig
	Model         ModelConfig
	Identity      IdentityConfig
	Gateway       GatewayConfig
	Session       SessionConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"orpheus"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
}

type ServerConfig struct {
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ShutdownGrace   time.Duration `envconfig:"SERVER_SHUTDOWN_GRACE" default:"30s"`
	AudioFrameRate  float64       `envconfig:"SERVER_AUDIO_FRAME_RATE" default:"100"`
	AudioFrameBurst int           `envconfig:"SERVER_AUDIO_FRAME_BURST" default:"200"`
}

// ModelConfig describes the foundation-model bidirectional streaming endpoint.
type ModelConfig struct {
	Endpoint     string        `envconfig:"MODEL_ENDPOINT" required:"true"`
	ModelID      string        `envconfig:"MODEL_ID" default:"sonic-v1"`
	DialTimeout  time.Duration `envconfig:"MODEL_DIAL_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"MODEL_WRITE_TIMEOUT" default:"5s"`
}

// IdentityConfig covers both credential domains: the service-level
// client-credentials token and the per-owner token exchange.
type IdentityConfig struct {
	TokenURL         string        `envconfig:"IDENTITY_TOKEN_URL" required:"true"`
	ExchangeURL      string        `envconfig:"IDENTITY_EXCHANGE_URL" required:"true"`
	ClientID         string        `envconfig:"IDENTITY_CLIENT_ID" required:"true"`
	ClientSecret     string        `envconfig:"IDENTITY_CLIENT_SECRET" required:"true"`
	ResourceServerID string        `envconfig:"IDENTITY_RESOURCE_SERVER_ID" default:"voice-gateway"`
	RequestTimeout   time.Duration `envconfig:"IDENTITY_REQUEST_TIMEOUT" default:"10s"`
}

type GatewayConfig struct {
	URL         string        `envconfig:"GATEWAY_URL"`
	CallTimeout time.Duration `envconfig:"GATEWAY_CALL_TIMEOUT" default:"30s"`
	ListTimeout time.Duration `envconfig:"GATEWAY_LIST_TIMEOUT" default:"15s"`
}

// SessionConfig carries the liveness bounds enforced across sessions.
type SessionConfig struct {
	IdleThreshold      time.Duration `envconfig:"SESSION_IDLE_THRESHOLD" default:"5m"`
	SweepInterval      time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1m"`
	StopCloseTimeout   time.Duration `envconfig:"SESSION_STOP_CLOSE_TIMEOUT" default:"5s"`
	AbruptCloseTimeout time.Duration `envconfig:"SESSION_ABRUPT_CLOSE_TIMEOUT" default:"3s"`
}

// RedisConfig is optional; when Host is empty the warm tool-descriptor cache is disabled.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

// KafkaConfig is optional; when Brokers is empty audit/usage events are logged only.
type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
