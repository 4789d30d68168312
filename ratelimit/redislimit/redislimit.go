// Package redislimit is a fixed-window limiter shared by every instance
// pointing at the same Redis.
package redislimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/notifycast/ratelimit"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis limiter. Defaults can be loaded via envdecode.
type Config struct {
	RedisAddr string        `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string        `env:"NOTIFY_RATE_LIMIT_KEY_PREFIX,default=notify:rl:"`
	Quota     int           `env:"NOTIFY_RATE_LIMIT_QUOTA,default=100"`
	Window    time.Duration `env:"NOTIFY_RATE_LIMIT_WINDOW,default=60s"`
	// Timeout bounds each Redis round trip.
	Timeout time.Duration `env:"NOTIFY_RATE_LIMIT_TIMEOUT,default=250ms"`
}

// The first INCR of a window sets its expiry, so the key disappears when the
// window ends and the next attempt starts a fresh count.
var admitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

type Limiter struct {
	client    redis.UniversalClient
	keyPrefix string
	quota     int
	window    time.Duration
	timeout   time.Duration
	log       *slog.Logger
	owned     bool
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// New dials Redis and verifies connectivity.
func New(cfg Config, log *slog.Logger) (*Limiter, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := NewWithClient(cl, cfg, log)
	l.owned = true
	return l, nil
}

// NewFromEnv builds a Limiter using envdecode to populate Config.
func NewFromEnv(log *slog.Logger) (*Limiter, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis limiter config: %w", err)
	}
	return New(cfg, log)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, cfg Config, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	l := &Limiter{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		quota:     cfg.Quota,
		window:    cfg.Window,
		timeout:   cfg.Timeout,
		log:       log,
	}
	if l.keyPrefix == "" {
		l.keyPrefix = "notify:rl:"
	}
	if l.quota <= 0 {
		l.quota = ratelimit.DefaultQuota
	}
	if l.window <= 0 {
		l.window = ratelimit.DefaultWindow
	}
	if l.timeout <= 0 {
		l.timeout = 250 * time.Millisecond
	}
	return l
}

func (l *Limiter) key(id string) string { return l.keyPrefix + id }

// Admit fails open: when Redis cannot be reached the attempt is allowed and a
// warning is logged.
func (l *Limiter) Admit(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	n, err := admitScript.Run(ctx, l.client, []string{l.key(id)}, l.window.Milliseconds()).Int64()
	if err != nil {
		l.log.WarnContext(ctx, "ratelimit.admit.fail_open", slog.String("session_id", id), slog.String("err", err.Error()))
		return true
	}
	return n <= int64(l.quota)
}

// Sweep is a no-op; window keys expire on their own.
func (l *Limiter) Sweep(context.Context, time.Duration) int { return 0 }

// Close closes the client if the Limiter created it.
func (l *Limiter) Close() error {
	if l.owned {
		return l.client.Close()
	}
	return nil
}
