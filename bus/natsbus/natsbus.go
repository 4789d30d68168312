// Package natsbus carries bus payloads on a NATS core subject.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/notifycast/bus"
	"github.com/joeshaw/envdecode"
	"github.com/nats-io/nats.go"
)

// Config for the NATS bus. Defaults can be loaded via envdecode.
type Config struct {
	URL     string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	Subject string `env:"NOTIFY_BUS_CHANNEL,default=notifycast.broadcast"`
	// CheckInterval is how often an idle subscription verifies that the
	// connection has not been closed.
	CheckInterval time.Duration `env:"NOTIFY_BUS_PING_INTERVAL,default=5s"`
}

const subscriberBuffer = 1024

type Bus struct {
	nc            *nats.Conn
	subject       string
	checkInterval time.Duration
	owned         bool
}

var _ bus.Bus = (*Bus)(nil)

// New connects to cfg.URL. The client reconnects on its own indefinitely;
// publications made while it is reconnecting are buffered by nats.go.
func New(cfg Config) (*Bus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("notifycast"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(250*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	b := NewWithConn(nc, cfg)
	b.owned = true
	return b, nil
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv() (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode nats bus config: %w", err)
	}
	return New(cfg)
}

// NewWithConn uses an existing connection, which Close leaves open.
func NewWithConn(nc *nats.Conn, cfg Config) *Bus {
	b := &Bus{nc: nc, subject: cfg.Subject, checkInterval: cfg.CheckInterval}
	if b.subject == "" {
		b.subject = bus.DefaultChannel
	}
	if b.checkInterval <= 0 {
		b.checkInterval = 5 * time.Second
	}
	return b
}

func (b *Bus) Publish(_ context.Context, payload []byte) error {
	if b.nc.IsClosed() {
		return bus.ErrClosed
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", b.subject, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler, ready func()) error {
	if b.nc.IsClosed() {
		return bus.ErrClosed
	}
	ch := make(chan *nats.Msg, subscriberBuffer)
	sub, err := b.nc.ChanSubscribe(b.subject, ch)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Flush so the server has registered interest before reporting ready.
	if err := b.nc.FlushWithContext(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("nats flush: %w", err)
	}
	if ready != nil {
		ready()
	}

	ticker := time.NewTicker(b.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-ch:
			handler(ctx, m.Data)
		case <-ticker.C:
			if b.nc.IsClosed() {
				return nats.ErrConnectionClosed
			}
			if !sub.IsValid() {
				return nats.ErrBadSubscription
			}
		}
	}
}

// Close closes the connection if the Bus created it.
func (b *Bus) Close() error {
	if b.owned {
		b.nc.Close()
	}
	return nil
}
