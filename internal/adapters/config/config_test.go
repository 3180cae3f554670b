package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MODEL_ENDPOINT", "wss://model.example.com/stream")
	t.Setenv("IDENTITY_TOKEN_URL", "https://idp.example.com/oauth2/token")
	t.Setenv("IDENTITY_EXCHANGE_URL", "https://idp.example.com/exchange")
	t.Setenv("IDENTITY_CLIENT_ID", "client-id")
	t.Setenv("IDENTITY_CLIENT_SECRET", "client-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "orpheus", cfg.App.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownGrace)
	assert.Equal(t, "sonic-v1", cfg.Model.ModelID)
	assert.Equal(t, "voice-gateway", cfg.Identity.ResourceServerID)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleThreshold)
	assert.Equal(t, time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Session.StopCloseTimeout)
	assert.Equal(t, 3*time.Second, cfg.Session.AbruptCloseTimeout)

	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Empty(t, RedisConfig{}.Addr())
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_IDLE_THRESHOLD", "90s")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("REDIS_HOST", "cache")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Session.IdleThreshold)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Kafka.Enabled())
}
