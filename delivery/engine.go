// Package delivery resolves a message's target against the local registry
// and enqueues it on every matching connection.
//
// Delivery never blocks on a slow consumer: a full queue only costs that
// connection a lagged event. Messages whose TTL elapsed before reaching a
// recipient are replaced by a heartbeat for that recipient. Messages carrying
// a FanoutID are published once on the cross-instance bus after local
// delivery.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/internal/metrics"
	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/registry"
)

// Publisher forwards a message to the other instances.
type Publisher interface {
	Publish(ctx context.Context, msg *notify.Message) error
}

type publisherBox struct{ p Publisher }

type Engine struct {
	reg     *registry.Registry
	pub     atomic.Pointer[publisherBox]
	log     *slog.Logger
	metrics metrics.Collector
	now     func() time.Time
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.SetPublisher(p) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg: reg,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logctx.Wrap(e.log)
	e.metrics = metrics.OrNop(e.metrics)
	return e
}

// SetPublisher installs or, with nil, removes the bus publisher. The relay
// and the engine reference each other, so the publisher is usually set after
// both exist.
func (e *Engine) SetPublisher(p Publisher) {
	if p == nil {
		e.pub.Store(nil)
		return
	}
	e.pub.Store(&publisherBox{p: p})
}

// Deliver enqueues msg locally and, if it carries a FanoutID, publishes it on
// the bus exactly once. It returns the number of local connections that
// received msg itself; heartbeat substitutes for expired copies are not
// counted. Invalid messages are logged and dropped. A bus failure is logged
// and does not affect the result.
func (e *Engine) Deliver(ctx context.Context, msg *notify.Message) int {
	if err := msg.Validate(); err != nil {
		e.log.WarnContext(ctx, "delivery.reject", slog.String("err", err.Error()))
		return 0
	}
	n := e.DeliverLocal(ctx, msg)
	if msg.FanoutID == "" {
		return n
	}
	box := e.pub.Load()
	if box == nil {
		return n
	}
	if err := box.p.Publish(ctx, msg); err != nil {
		e.log.WarnContext(e.msgContext(ctx, msg), "delivery.fanout.fail",
			slog.String("fanout_id", msg.FanoutID),
			slog.String("err", err.Error()))
	}
	return n
}

// DeliverLocal enqueues msg on local connections only.
func (e *Engine) DeliverLocal(ctx context.Context, msg *notify.Message) int {
	ctx = e.msgContext(ctx, msg)
	recipients := e.Resolve(ctx, msg.Target)
	if len(recipients) == 0 {
		return 0
	}

	now := e.now()
	event := msg.Event.Name()
	unconditional := msg.Event.Is(notify.EventSessionRevoked)
	expired := msg.Expired(now)

	delivered := 0
	for _, c := range recipients {
		item := msg
		if expired && !unconditional {
			// A fresh heartbeat per recipient so the stale payload never
			// leaves the process.
			item = notify.Heartbeat(now)
			e.metrics.MessageExpired(event)
		}

		var err error
		if unconditional {
			err = c.OfferForce(item)
		} else {
			err = c.Offer(item)
		}
		switch {
		case err == nil:
			if item == msg {
				delivered++
				e.metrics.MessageDelivered(event)
			}
		case errors.Is(err, registry.ErrQueueFull):
			e.metrics.MessageDropped(event)
			e.log.DebugContext(ctx, "delivery.enqueue.full", slog.String("session_id", c.SessionID))
		case errors.Is(err, notify.ErrConnectionClosed):
			e.log.DebugContext(ctx, "delivery.enqueue.closed", slog.String("session_id", c.SessionID))
		default:
			e.log.ErrorContext(ctx, "delivery.enqueue.fail", slog.String("session_id", c.SessionID), slog.String("err", err.Error()))
		}
	}
	return delivered
}

// Resolve returns the local connections selected by t.
func (e *Engine) Resolve(ctx context.Context, t notify.Target) []*registry.Connection {
	switch t.Kind {
	case notify.TargetSession:
		return e.lookupSessions(ctx, []string{t.ID})
	case notify.TargetSessions:
		return e.lookupSessions(ctx, t.IDs)
	case notify.TargetUser:
		return e.reg.ByUser(t.ID)
	case notify.TargetUnit:
		return e.reg.ListMatching(func(c *registry.Connection) bool {
			return c.Snapshot.UnitID == t.ID
		})
	case notify.TargetPermissions:
		if len(t.IDs) == 0 {
			return nil
		}
		return e.reg.ListMatching(func(c *registry.Connection) bool {
			return c.Snapshot.HasAny(t.IDs)
		})
	case notify.TargetBroadcast:
		return e.reg.All()
	default:
		e.log.WarnContext(ctx, "delivery.target.unknown", slog.String("kind", t.Kind.String()))
		return nil
	}
}

func (e *Engine) lookupSessions(ctx context.Context, ids []string) []*registry.Connection {
	out := make([]*registry.Connection, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c, ok := e.reg.Lookup(id)
		if !ok {
			e.metrics.RecipientMissing()
			e.log.DebugContext(ctx, "delivery.recipient.missing", slog.String("session_id", id))
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) msgContext(ctx context.Context, msg *notify.Message) context.Context {
	return logctx.WithMessageData(ctx, &logctx.MessageData{
		ID:     msg.ID,
		Event:  msg.Event.Name(),
		Target: msg.Target.String(),
	})
}
