// Package notifier is the producer and admin surface of the notification
// core. Application code calls a Service to push events to connected
// clients, to revoke sessions and to read live statistics; the stream
// transport calls it to open and close connections.
package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/notifycast/delivery"
	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/registry"
)

// BusStatus reports whether the cross-instance bus is connected. bus.Relay
// implements it.
type BusStatus interface {
	Connected() bool
}

type Service struct {
	reg        *registry.Registry
	engine     *delivery.Engine
	bus        BusStatus
	dir        directory.Directory
	log        *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
}

type Option func(*Service)

func WithBusStatus(b BusStatus) Option {
	return func(s *Service) { s.bus = b }
}

// WithDirectory names the directory the stream transport resolves sessions
// through. Revocations drop the session from it when it implements
// directory.Invalidator, so a reconnect is checked against the source.
func WithDirectory(d directory.Directory) Option {
	return func(s *Service) { s.dir = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStaleAfter sets the heartbeat age beyond which Stats counts a
// connection as stale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) { s.staleAfter = d }
}

func New(reg *registry.Registry, engine *delivery.Engine, opts ...Option) *Service {
	s := &Service{
		reg:        reg,
		engine:     engine,
		log:        slog.Default(),
		now:        time.Now,
		staleAfter: 150 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// target returns a copy of msg aimed at t. Fanout marks copies that other
// instances must deliver too; the caller's message is never modified.
func target(msg *notify.Message, t notify.Target, fanout bool) *notify.Message {
	c := msg.Clone()
	c.Target = t
	if fanout && c.FanoutID == "" {
		c.FanoutID = notify.NewFanoutID()
	}
	return c
}

// NotifyUser delivers msg to every session of userID, on every instance.
// The result counts local recipients only.
func (s *Service) NotifyUser(ctx context.Context, userID string, msg *notify.Message) int {
	return s.engine.Deliver(ctx, target(msg, notify.ToUser(userID), true))
}

// NotifyUnit delivers msg to every connection whose unit is unitID.
func (s *Service) NotifyUnit(ctx context.Context, unitID string, msg *notify.Message) int {
	return s.engine.Deliver(ctx, target(msg, notify.ToUnit(unitID), true))
}

// NotifyPermission delivers msg to connections holding any of perms.
func (s *Service) NotifyPermission(ctx context.Context, perms []string, msg *notify.Message) int {
	return s.engine.Deliver(ctx, target(msg, notify.ToPermissions(perms...), true))
}

// NotifySessions delivers msg to the listed sessions connected to this
// instance. Sessions are not fanned out: a client's stream is bound to the
// instance that accepted it and producers address sessions they served.
func (s *Service) NotifySessions(ctx context.Context, sessionIDs []string, msg *notify.Message) int {
	return s.engine.Deliver(ctx, target(msg, notify.ToSessions(sessionIDs...), false))
}

// Broadcast delivers msg to every connection on every instance.
func (s *Service) Broadcast(ctx context.Context, msg *notify.Message) int {
	return s.engine.Deliver(ctx, target(msg, notify.Everyone(), true))
}

// Deliver sends msg with whatever target and fanout it already carries.
func (s *Service) Deliver(ctx context.Context, msg *notify.Message) int {
	return s.engine.Deliver(ctx, msg)
}

// RevokeSession sends a Critical session_revoked event to sessionID and then
// removes its connection. The revocation is also published so the instance
// actually holding the stream, if another one, does the same. It reports
// whether a local connection was removed.
func (s *Service) RevokeSession(ctx context.Context, sessionID, reason string) bool {
	msg := notify.Revocation(sessionID, reason, s.now())
	msg.FanoutID = notify.NewFanoutID()
	s.engine.Deliver(ctx, msg)
	s.invalidate(sessionID)
	removed := s.reg.Unregister(sessionID, registry.ReasonRevoked)
	s.log.InfoContext(ctx, "notifier.revoke",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Bool("local", removed))
	return removed
}

// DeliverRemote handles a message received from another instance. It
// implements bus.Sink.
func (s *Service) DeliverRemote(ctx context.Context, msg *notify.Message) {
	s.engine.DeliverLocal(ctx, msg)
	if msg.Event.Is(notify.EventSessionRevoked) && msg.Target.Kind == notify.TargetSession {
		s.invalidate(msg.Target.ID)
		if s.reg.Unregister(msg.Target.ID, registry.ReasonRevoked) {
			s.log.InfoContext(ctx, "notifier.revoke.remote", slog.String("session_id", msg.Target.ID))
		}
	}
}

func (s *Service) invalidate(sessionID string) {
	if inv, ok := s.dir.(directory.Invalidator); ok {
		inv.Invalidate(sessionID)
	}
}

// ConnectRequest describes a stream that passed authentication and whose
// session was resolved in the directory.
type ConnectRequest struct {
	SessionID string
	UserID    string
	Snapshot  registry.Snapshot
	Meta      registry.Metadata
}

// Connect admits a stream. Admission failures are *notify.RejectedError.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*registry.Connection, error) {
	return s.reg.Register(ctx, req.SessionID, req.UserID, req.Snapshot, req.Meta)
}

// Disconnect removes conn unless it was already replaced or evicted.
func (s *Service) Disconnect(conn *registry.Connection) bool {
	return s.reg.UnregisterConnection(conn, registry.ReasonDisconnected)
}

// Stats is the admin view of this instance.
type Stats struct {
	registry.Summary
	BusConnected bool `json:"bus_connected"`
}

func (s *Service) Stats() Stats {
	st := Stats{Summary: s.reg.Summarize(s.staleAfter)}
	if s.bus != nil {
		st.BusConnected = s.bus.Connected()
	}
	return st
}
