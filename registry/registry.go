// Package registry tracks the live streaming connections of this instance.
//
// There is at most one Connection per session id. Registering a session that
// is already connected replaces the previous stream, whose consumer observes
// closure and terminates. Admission applies the session rate limit and then
// the per-user connection cap; both failures are returned as
// *notify.RejectedError.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/notifycast/internal/metrics"
	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/ratelimit"
)

const (
	DefaultMaxConnectionsPerUser = 5
	DefaultQueueSize             = 100
)

// RemoveHook observes every connection leaving the registry. It runs after
// the registry lock is released.
type RemoveHook func(c *Connection, reason string)

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	limiter    ratelimit.Limiter
	maxPerUser int
	queueSize  int
	log        *slog.Logger
	metrics    metrics.Collector
	now        func() time.Time
	onRemove   []RemoveHook
}

type Option func(*Registry)

// WithLimiter sets the admission rate limiter. The default is an in-memory
// ratelimit.Window with its default quota.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

func WithMaxConnectionsPerUser(n int) Option {
	return func(r *Registry) { r.maxPerUser = n }
}

// WithQueueSize sets the capacity of each connection's outbound queue.
func WithQueueSize(n int) Option {
	return func(r *Registry) { r.queueSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithRemoveHook(h RemoveHook) Option {
	return func(r *Registry) { r.onRemove = append(r.onRemove, h) }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]map[string]*Connection),
		maxPerUser: DefaultMaxConnectionsPerUser,
		queueSize:  DefaultQueueSize,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewWindow(ratelimit.DefaultQuota, ratelimit.DefaultWindow, ratelimit.WithClock(r.now))
	}
	if r.maxPerUser <= 0 {
		r.maxPerUser = DefaultMaxConnectionsPerUser
	}
	if r.queueSize <= 0 {
		r.queueSize = DefaultQueueSize
	}
	r.metrics = metrics.OrNop(r.metrics)
	return r
}

// Limiter returns the admission limiter, for the supervisor's sweeps.
func (r *Registry) Limiter() ratelimit.Limiter { return r.limiter }

func (r *Registry) MaxConnectionsPerUser() int { return r.maxPerUser }

// Register admits a new stream for sessionID. On success any previous
// connection for the same session has been closed with ReasonReplaced.
func (r *Registry) Register(ctx context.Context, sessionID, userID string, snap Snapshot, meta Metadata) (*Connection, error) {
	if !r.limiter.Admit(ctx, sessionID) {
		return nil, r.reject(ctx, sessionID, userID, notify.ErrRateLimited)
	}

	conn := newConnection(sessionID, userID, snap, meta, r.queueSize, r.now)

	r.mu.Lock()
	prev := r.conns[sessionID]
	count := len(r.byUser[userID])
	if prev != nil && prev.UserID == userID {
		count--
	}
	if count >= r.maxPerUser {
		r.mu.Unlock()
		return nil, r.reject(ctx, sessionID, userID, notify.ErrTooManyConnections)
	}
	if prev != nil {
		r.removeLocked(prev)
		prev.close(ReasonReplaced)
	}
	r.conns[sessionID] = conn
	sessions := r.byUser[userID]
	if sessions == nil {
		sessions = make(map[string]*Connection)
		r.byUser[userID] = sessions
	}
	sessions[sessionID] = conn
	r.mu.Unlock()

	if prev != nil {
		r.log.InfoContext(ctx, "registry.replace", slog.String("session_id", sessionID), slog.String("user_id", userID))
		r.removed(prev, ReasonReplaced)
	}
	r.metrics.ConnectionOpened()
	r.log.DebugContext(ctx, "registry.register.ok", slog.String("session_id", sessionID), slog.String("user_id", userID))
	return conn, nil
}

func (r *Registry) reject(ctx context.Context, sessionID, userID string, reason error) error {
	r.metrics.ConnectionRejected(reason.Error())
	r.log.InfoContext(ctx, "registry.register.reject",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("reason", reason.Error()))
	return &notify.RejectedError{SessionID: sessionID, UserID: userID, Reason: reason}
}

// Unregister removes and closes whatever connection holds sessionID.
func (r *Registry) Unregister(sessionID, reason string) bool {
	r.mu.Lock()
	c := r.conns[sessionID]
	if c != nil {
		r.removeLocked(c)
	}
	r.mu.Unlock()
	if c == nil {
		return false
	}
	c.close(reason)
	r.removed(c, reason)
	return true
}

// UnregisterConnection removes c only if it is still the registered
// connection for its session, so a replaced stream never removes its
// successor.
func (r *Registry) UnregisterConnection(c *Connection, reason string) bool {
	r.mu.Lock()
	owned := r.conns[c.SessionID] == c
	if owned {
		r.removeLocked(c)
	}
	r.mu.Unlock()
	c.close(reason)
	if owned {
		r.removed(c, reason)
	}
	return owned
}

func (r *Registry) removeLocked(c *Connection) {
	delete(r.conns, c.SessionID)
	if sessions := r.byUser[c.UserID]; sessions != nil {
		delete(sessions, c.SessionID)
		if len(sessions) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
}

func (r *Registry) removed(c *Connection, reason string) {
	r.metrics.ConnectionClosed(reason)
	for _, h := range r.onRemove {
		h(c, reason)
	}
}

func (r *Registry) Lookup(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[sessionID]
	return c, ok
}

// ListMatching returns the connections for which match is true. match runs
// under the read lock and must not call back into the registry.
func (r *Registry) ListMatching(match func(*Connection) bool) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.conns {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byUser[userID]
	out := make([]*Connection, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	return out
}

func (r *Registry) All() []*Connection {
	return r.ListMatching(func(*Connection) bool { return true })
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) UserCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// CloseAll removes every connection, e.g. on shutdown.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.conns = make(map[string]*Connection)
	r.byUser = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, c := range all {
		c.close(reason)
		r.removed(c, reason)
	}
	return len(all)
}
