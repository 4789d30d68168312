package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NOTIFY_AUTH_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 5, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 100, cfg.RateLimitQuota)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.QueueSize)
	assert.Equal(t, "notifycast.broadcast", cfg.BusChannel)
	assert.Equal(t, BackendNone, cfg.BusBackend)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NOTIFY_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("NOTIFY_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("NOTIFY_MAX_CONNECTIONS_PER_USER", "2")
	t.Setenv("NOTIFY_BUS_BACKEND", "nats")
	t.Setenv("NOTIFY_BUS_CHANNEL", "school.events")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2, cfg.MaxConnectionsPerUser)
	assert.Equal(t, BackendNATS, cfg.BusBackend)
	assert.Equal(t, "school.events", cfg.BusChannel)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	require.NoError(t, cfg.Validate())
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("NOTIFY_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate_RejectsNonPositive(t *testing.T) {
	cfg := validConfig(t)
	cfg.HeartbeatInterval = 0
	cfg.QueueSize = -1
	cfg.MaxConnectionsPerUser = 0
	cfg.WriteTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat interval")
	assert.Contains(t, err.Error(), "queue size")
	assert.Contains(t, err.Error(), "max connections per user")
	assert.Contains(t, err.Error(), "write timeout")
}

func TestValidate_Backends(t *testing.T) {
	cfg := validConfig(t)
	cfg.BusBackend = "kafka"
	assert.ErrorContains(t, cfg.Validate(), "bus backend")
	cfg.BusBackend = BackendMemory
	assert.ErrorContains(t, cfg.Validate(), "bus backend")

	cfg = validConfig(t)
	cfg.AuthMode = AuthDiscovery
	assert.ErrorContains(t, cfg.Validate(), "issuer and audience")

	cfg.AuthIssuer = "https://issuer.example"
	cfg.AuthAudience = "https://notify.example/events"
	assert.NoError(t, cfg.Validate())

	cfg.StatsPath = cfg.StreamPath
	assert.ErrorContains(t, cfg.Validate(), "must differ")
}

func TestSlogLevel(t *testing.T) {
	cfg := validConfig(t)
	cfg.LogLevel = "debug"
	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}

func TestSupervisorMapping(t *testing.T) {
	cfg := validConfig(t)
	cfg.IdleTimeout = time.Minute
	cfg.AdminPermission = "ops"

	sc := cfg.Supervisor()
	assert.Equal(t, time.Minute, sc.IdleTimeout)
	assert.Equal(t, "ops", sc.AlertPermission)
	assert.Equal(t, cfg.HeartbeatInterval, sc.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.StaleAfter())
}
