// Package redisbus carries bus payloads over Redis Pub/Sub.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ggoodman/notifycast/bus"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis bus. Defaults can be loaded via envdecode.
type Config struct {
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	Channel   string `env:"NOTIFY_BUS_CHANNEL,default=notifycast.broadcast"`
	// PingInterval is how long a subscription may stay silent before the
	// connection is probed.
	PingInterval time.Duration `env:"NOTIFY_BUS_PING_INTERVAL,default=5s"`
}

type Bus struct {
	client       redis.UniversalClient
	channel      string
	pingInterval time.Duration
}

var _ bus.Bus = (*Bus)(nil)

// New creates a client for cfg.RedisAddr. Unlike the directory, the bus does
// not ping on construction: an unreachable Redis only degrades the process to
// local delivery and the relay keeps retrying.
func New(cfg Config) *Bus {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), cfg)
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv() (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis bus config: %w", err)
	}
	return New(cfg), nil
}

// NewWithClient uses client for both publishing and subscribing. Close
// closes it.
func NewWithClient(client redis.UniversalClient, cfg Config) *Bus {
	b := &Bus{client: client, channel: cfg.Channel, pingInterval: cfg.PingInterval}
	if b.channel == "" {
		b.channel = bus.DefaultChannel
	}
	if b.pingInterval <= 0 {
		b.pingInterval = 5 * time.Second
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return bus.ErrClosed
		}
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler, ready func()) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()

	// The first reply confirms the subscription; publications before it
	// are not seen.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, redis.ErrClosed) {
			return bus.ErrClosed
		}
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		ready()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := ps.ReceiveTimeout(ctx, b.pingInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				if err := ps.Ping(ctx); err != nil {
					return fmt.Errorf("redis subscription ping: %w", err)
				}
				continue
			}
			return fmt.Errorf("redis receive %s: %w", b.channel, err)
		}
		switch m := msg.(type) {
		case *redis.Message:
			handler(ctx, []byte(m.Payload))
		case *redis.Subscription, *redis.Pong:
		}
	}
}

func (b *Bus) Close() error { return b.client.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
