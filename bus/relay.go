package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/notifycast/internal/backoff"
	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/internal/metrics"
	"github.com/ggoodman/notifycast/notify"
	"github.com/google/uuid"
)

const DefaultPublishTimeout = 2 * time.Second

// Sink receives messages that originated on another instance. FanoutID is
// always empty on these messages.
type Sink interface {
	DeliverRemote(ctx context.Context, msg *notify.Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg *notify.Message)

func (f SinkFunc) DeliverRemote(ctx context.Context, msg *notify.Message) { f(ctx, msg) }

// envelope is the wire format on the bus.
type envelope struct {
	Origin  string          `json:"origin"`
	Message *notify.Message `json:"message"`
}

// Relay publishes local broadcast-class messages and feeds messages from
// other instances to a Sink. A single Relay is shared by the whole process.
type Relay struct {
	bus            Bus
	instanceID     string
	log            *slog.Logger
	metrics        metrics.Collector
	publishTimeout time.Duration
	seed           uint64
	connected      atomic.Bool
}

type RelayOption func(*Relay)

// WithInstanceID overrides the generated instance id. Envelopes carrying
// this id are ignored on receipt.
func WithInstanceID(id string) RelayOption {
	return func(r *Relay) { r.instanceID = id }
}

func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

func WithMetrics(m metrics.Collector) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithPublishTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.publishTimeout = d }
}

// WithBackoffSeed makes reconnect jitter deterministic.
func WithBackoffSeed(seed uint64) RelayOption {
	return func(r *Relay) { r.seed = seed }
}

func NewRelay(b Bus, opts ...RelayOption) *Relay {
	r := &Relay{
		bus:            b,
		instanceID:     uuid.NewString(),
		log:            slog.Default(),
		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logctx.Wrap(r.log)
	r.metrics = metrics.OrNop(r.metrics)
	return r
}

func (r *Relay) InstanceID() string { return r.instanceID }

// Connected reports whether the subscription is currently established.
func (r *Relay) Connected() bool { return r.connected.Load() }

func (r *Relay) setConnected(v bool) {
	if r.connected.Swap(v) != v {
		r.metrics.BusConnected(v)
	}
}

// Publish sends msg to the other instances. Transport failures are returned
// wrapped in notify.ErrBusUnavailable, encoding failures in
// notify.ErrSerialization.
func (r *Relay) Publish(ctx context.Context, msg *notify.Message) error {
	payload, err := json.Marshal(envelope{Origin: r.instanceID, Message: msg})
	if err != nil {
		r.metrics.BusPublished(false)
		return fmt.Errorf("%w: encode envelope: %v", notify.ErrSerialization, err)
	}
	if r.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.publishTimeout)
		defer cancel()
	}
	if err := r.bus.Publish(ctx, payload); err != nil {
		r.metrics.BusPublished(false)
		return fmt.Errorf("%w: %v", notify.ErrBusUnavailable, err)
	}
	r.metrics.BusPublished(true)
	return nil
}

// Run subscribes and hands every foreign message to sink until ctx is done.
// Transport failures are retried forever with capped, jittered exponential
// backoff; local delivery is unaffected meanwhile. Run returns nil when ctx
// ends and ErrClosed if the bus was closed.
func (r *Relay) Run(ctx context.Context, sink Sink) error {
	bo := backoff.New(r.seed)
	for {
		err := r.bus.Subscribe(ctx, func(ctx context.Context, payload []byte) {
			r.handle(ctx, sink, payload)
		}, func() {
			r.setConnected(true)
			bo.Reset()
			r.log.InfoContext(ctx, "bus.subscribe.ok", slog.String("instance_id", r.instanceID))
		})
		r.setConnected(false)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		delay := bo.Next()
		errText := "subscription ended"
		if err != nil {
			errText = err.Error()
		}
		r.log.WarnContext(ctx, "bus.subscribe.fail",
			slog.String("err", errText),
			slog.Duration("retry_in", delay))
		r.metrics.BusReconnect()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (r *Relay) handle(ctx context.Context, sink Sink, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.malformed(ctx, err)
		return
	}
	if env.Message == nil {
		r.malformed(ctx, errors.New("envelope has no message"))
		return
	}
	if err := env.Message.Validate(); err != nil {
		r.malformed(ctx, err)
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	r.metrics.BusReceived()

	msg := env.Message
	msg.FanoutID = ""

	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorContext(ctx, "bus.deliver.panic",
				slog.String("message_id", msg.ID),
				slog.String("err", fmt.Sprint(p)))
		}
	}()
	sink.DeliverRemote(ctx, msg)
}

func (r *Relay) malformed(ctx context.Context, err error) {
	r.metrics.BusMalformed()
	r.log.WarnContext(ctx, "bus.payload.malformed", slog.String("err", err.Error()))
}
