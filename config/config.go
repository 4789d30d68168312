// Package config holds the process configuration of notifyd. Values are
// decoded from the environment with defaults declared in struct tags;
// command-line flags may override them afterwards.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/notifycast/supervisor"
	"github.com/joeshaw/envdecode"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendNone   = "none"
)

// Auth modes.
const (
	AuthDiscovery = "discovery"
	AuthJWKS      = "jwks"
	AuthHMAC      = "hmac"
)

type Config struct {
	HTTPAddr        string        `env:"NOTIFY_HTTP_ADDR,default=:8080"`
	StreamPath      string        `env:"NOTIFY_STREAM_PATH,default=/events"`
	StatsPath       string        `env:"NOTIFY_STATS_PATH,default=/admin/stats"`
	MetricsPath     string        `env:"NOTIFY_METRICS_PATH,default=/metrics"`
	ShutdownTimeout time.Duration `env:"NOTIFY_SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel  string `env:"NOTIFY_LOG_LEVEL,default=info"`
	LogFormat string `env:"NOTIFY_LOG_FORMAT,default=json"`

	KeepAliveInterval     time.Duration `env:"NOTIFY_KEEPALIVE_INTERVAL,default=15s"`
	WriteTimeout          time.Duration `env:"NOTIFY_WRITE_TIMEOUT,default=10s"`
	HeartbeatInterval     time.Duration `env:"NOTIFY_HEARTBEAT_INTERVAL,default=30s"`
	IdleTimeout           time.Duration `env:"NOTIFY_IDLE_TIMEOUT,default=5m"`
	CleanupInterval       time.Duration `env:"NOTIFY_CLEANUP_INTERVAL,default=5m"`
	StatsInterval         time.Duration `env:"NOTIFY_STATS_INTERVAL,default=1m"`
	OverflowInterval      time.Duration `env:"NOTIFY_OVERFLOW_INTERVAL,default=1m"`
	RateGCInterval        time.Duration `env:"NOTIFY_RATE_GC_INTERVAL,default=5m"`
	MaxConnectionsPerUser int           `env:"NOTIFY_MAX_CONNECTIONS_PER_USER,default=5"`
	QueueSize             int           `env:"NOTIFY_QUEUE_SIZE,default=100"`
	AdminPermission       string        `env:"NOTIFY_ADMIN_PERMISSION,default=admin"`

	RateLimitBackend string        `env:"NOTIFY_RATE_LIMIT_BACKEND,default=memory"`
	RateLimitQuota   int           `env:"NOTIFY_RATE_LIMIT_QUOTA,default=100"`
	RateLimitWindow  time.Duration `env:"NOTIFY_RATE_LIMIT_WINDOW,default=60s"`

	BusBackend string `env:"NOTIFY_BUS_BACKEND,default=none"`
	BusChannel string `env:"NOTIFY_BUS_CHANNEL,default=notifycast.broadcast"`

	DirectoryBackend   string        `env:"NOTIFY_DIRECTORY_BACKEND,default=redis"`
	DirectoryCacheSize int           `env:"NOTIFY_DIRECTORY_CACHE_SIZE,default=10000"`
	DirectoryCacheTTL  time.Duration `env:"NOTIFY_DIRECTORY_CACHE_TTL,default=30s"`
	LookupTimeout      time.Duration `env:"NOTIFY_LOOKUP_TIMEOUT,default=2s"`

	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	NATSURL   string `env:"NATS_URL,default=nats://127.0.0.1:4222"`

	AuthMode     string `env:"NOTIFY_AUTH_MODE,default=hmac"`
	AuthIssuer   string `env:"NOTIFY_AUTH_ISSUER"`
	AuthAudience string `env:"NOTIFY_AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"NOTIFY_AUTH_JWKS_URL"`
	AuthSecret   string `env:"NOTIFY_AUTH_SECRET"`
	AuthRealm    string `env:"NOTIFY_AUTH_REALM"`
}

// Load decodes the environment into a Config. It does not validate.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positiveInt := func(name string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	oneOf := func(name, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), v))
	}

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	positive("shutdown timeout", c.ShutdownTimeout)
	positive("keep-alive interval", c.KeepAliveInterval)
	positive("write timeout", c.WriteTimeout)
	positive("heartbeat interval", c.HeartbeatInterval)
	positive("idle timeout", c.IdleTimeout)
	positive("cleanup interval", c.CleanupInterval)
	positive("stats interval", c.StatsInterval)
	positive("overflow interval", c.OverflowInterval)
	positive("rate gc interval", c.RateGCInterval)
	positive("rate limit window", c.RateLimitWindow)
	positive("directory cache ttl", c.DirectoryCacheTTL)
	positive("lookup timeout", c.LookupTimeout)
	positiveInt("max connections per user", c.MaxConnectionsPerUser)
	positiveInt("queue size", c.QueueSize)
	positiveInt("rate limit quota", c.RateLimitQuota)
	positiveInt("directory cache size", c.DirectoryCacheSize)

	if c.StreamPath == c.StatsPath || c.StreamPath == c.MetricsPath || c.StatsPath == c.MetricsPath {
		errs = append(errs, errors.New("stream, stats and metrics paths must differ"))
	}
	if c.BusChannel == "" {
		errs = append(errs, errors.New("bus channel is required"))
	}
	oneOf("log format", c.LogFormat, "json", "text")
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	oneOf("rate limit backend", c.RateLimitBackend, BackendMemory, BackendRedis)
	oneOf("bus backend", c.BusBackend, BackendNone, BackendRedis, BackendNATS)
	oneOf("directory backend", c.DirectoryBackend, BackendMemory, BackendRedis)
	oneOf("auth mode", c.AuthMode, AuthDiscovery, AuthJWKS, AuthHMAC)

	switch c.AuthMode {
	case AuthDiscovery:
		if c.AuthIssuer == "" || c.AuthAudience == "" {
			errs = append(errs, errors.New("discovery auth requires issuer and audience"))
		}
	case AuthJWKS:
		if c.AuthIssuer == "" || c.AuthAudience == "" || c.AuthJWKSURL == "" {
			errs = append(errs, errors.New("jwks auth requires issuer, audience and jwks url"))
		}
	case AuthHMAC:
		if c.AuthSecret == "" {
			errs = append(errs, errors.New("hmac auth requires a secret"))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Supervisor maps the loop settings onto a supervisor.Config.
func (c *Config) Supervisor() supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.CleanupInterval = c.CleanupInterval
	sc.HeartbeatInterval = c.HeartbeatInterval
	sc.StatsInterval = c.StatsInterval
	sc.OverflowInterval = c.OverflowInterval
	sc.RateGCInterval = c.RateGCInterval
	sc.IdleTimeout = c.IdleTimeout
	sc.LookupTimeout = c.LookupTimeout
	sc.AlertPermission = c.AdminPermission
	if idle := 2 * c.RateLimitWindow; idle > sc.RateIdle {
		sc.RateIdle = idle
	}
	return sc
}

// StaleAfter is the heartbeat age counted as stale in statistics.
func (c *Config) StaleAfter() time.Duration { return c.IdleTimeout / 2 }
