package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/internal/metrics"
	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/registry"
)

// Task names.
const (
	TaskCleanup   = "cleanup"
	TaskHeartbeat = "heartbeat"
	TaskStats     = "stats"
	TaskOverflow  = "overflow"
	TaskRateGC    = "rate_gc"
)

type Config struct {
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	StatsInterval     time.Duration
	OverflowInterval  time.Duration
	RateGCInterval    time.Duration

	// IdleTimeout evicts connections whose last heartbeat is older. Half of
	// it is the threshold for counting a connection as stale in statistics.
	IdleTimeout time.Duration
	// LookupTimeout bounds each directory call made by the cleanup loop.
	LookupTimeout time.Duration
	// StaleRatioThreshold raises a warning when exceeded.
	StaleRatioThreshold float64
	// OverflowFactor times the per-user cap is the total connection count
	// above which administrators are alerted.
	OverflowFactor int
	// AlertPermission receives overflow alerts.
	AlertPermission string
	// RateIdle is how long a rate bucket may go untouched before it is
	// swept.
	RateIdle time.Duration
}

func DefaultConfig() Config {
	return Config{
		CleanupInterval:     5 * time.Minute,
		HeartbeatInterval:   30 * time.Second,
		StatsInterval:       time.Minute,
		OverflowInterval:    time.Minute,
		RateGCInterval:      5 * time.Minute,
		IdleTimeout:         5 * time.Minute,
		LookupTimeout:       2 * time.Second,
		StaleRatioThreshold: 0.2,
		OverflowFactor:      100,
		AlertPermission:     "admin",
		RateIdle:            10 * time.Minute,
	}
}

// Deliverer is the slice of the delivery engine the loops use.
type Deliverer interface {
	Deliver(ctx context.Context, msg *notify.Message) int
	DeliverLocal(ctx context.Context, msg *notify.Message) int
}

// refresher is implemented by directory.Cached; cleanup must not act on
// cached records.
type refresher interface {
	Refresh(ctx context.Context, sessionID string) (*directory.Record, error)
}

type invalidator interface {
	Invalidate(sessionID string)
}

// Lifecycle implements the maintenance loops over one registry.
type Lifecycle struct {
	cfg     Config
	reg     *registry.Registry
	engine  Deliverer
	dir     directory.Directory
	log     *slog.Logger
	metrics metrics.Collector
	now     func() time.Time

	mu   sync.Mutex
	last registry.Summary
}

type Option func(*Lifecycle)

func WithLogger(l *slog.Logger) Option {
	return func(lc *Lifecycle) { lc.log = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(lc *Lifecycle) { lc.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(lc *Lifecycle) { lc.now = now }
}

// NewLifecycle fills zero fields of cfg from DefaultConfig.
func NewLifecycle(cfg Config, reg *registry.Registry, engine Deliverer, dir directory.Directory, opts ...Option) *Lifecycle {
	def := DefaultConfig()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.OverflowInterval == 0 {
		cfg.OverflowInterval = def.OverflowInterval
	}
	if cfg.RateGCInterval == 0 {
		cfg.RateGCInterval = def.RateGCInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.StaleRatioThreshold <= 0 {
		cfg.StaleRatioThreshold = def.StaleRatioThreshold
	}
	if cfg.OverflowFactor <= 0 {
		cfg.OverflowFactor = def.OverflowFactor
	}
	if cfg.AlertPermission == "" {
		cfg.AlertPermission = def.AlertPermission
	}
	if cfg.RateIdle <= 0 {
		cfg.RateIdle = def.RateIdle
	}

	lc := &Lifecycle{
		cfg:    cfg,
		reg:    reg,
		engine: engine,
		dir:    dir,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(lc)
	}
	lc.log = logctx.Wrap(lc.log)
	lc.metrics = metrics.OrNop(lc.metrics)
	return lc
}

// Tasks returns the five loops in a form Group can run.
func (lc *Lifecycle) Tasks() []Task {
	return []Task{
		{Name: TaskCleanup, Interval: lc.cfg.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := lc.Cleanup(ctx)
			return err
		}},
		{Name: TaskHeartbeat, Interval: lc.cfg.HeartbeatInterval, Run: func(ctx context.Context) error {
			lc.Heartbeat(ctx)
			return nil
		}},
		{Name: TaskStats, Interval: lc.cfg.StatsInterval, Run: func(ctx context.Context) error {
			lc.CollectStats(ctx)
			return nil
		}},
		{Name: TaskOverflow, Interval: lc.cfg.OverflowInterval, Run: func(ctx context.Context) error {
			lc.CheckOverflow(ctx)
			return nil
		}},
		{Name: TaskRateGC, Interval: lc.cfg.RateGCInterval, Run: func(ctx context.Context) error {
			lc.CollectRateBuckets(ctx)
			return nil
		}},
	}
}

// Group builds a task group running every loop.
func (lc *Lifecycle) Group() *Group {
	return NewGroup(lc.Tasks(), WithGroupLogger(lc.log), WithGroupMetrics(lc.metrics))
}

// Cleanup evicts connections whose session is gone, inactive or expired,
// and connections idle for longer than IdleTimeout. A directory failure
// other than not-found keeps the connection; the number of such failures is
// reported as an error after every connection has been checked.
func (lc *Lifecycle) Cleanup(ctx context.Context) (int, error) {
	now := lc.now()
	evicted := 0
	var failures []error

	for _, c := range lc.reg.All() {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		cctx := logctx.WithConnData(ctx, &logctx.ConnData{SessionID: c.SessionID, UserID: c.UserID, UnitID: c.Snapshot.UnitID})

		if idle := now.Sub(c.LastHeartbeat()); idle > lc.cfg.IdleTimeout {
			if lc.evict(cctx, c, registry.ReasonStale, slog.Duration("idle", idle)) {
				evicted++
			}
			continue
		}

		rec, err := lc.lookup(ctx, c.SessionID)
		switch {
		case errors.Is(err, notify.ErrSessionNotFound):
			if lc.evict(cctx, c, registry.ReasonExpired, slog.String("cause", "not_found")) {
				evicted++
			}
		case err != nil:
			lc.log.WarnContext(cctx, "supervisor.cleanup.lookup_fail", slog.String("err", err.Error()))
			failures = append(failures, err)
		default:
			if reason := rec.Invalid(now); reason != "" {
				if lc.evict(cctx, c, registry.ReasonExpired, slog.String("cause", reason)) {
					evicted++
				}
			}
		}
	}

	if evicted > 0 {
		lc.log.InfoContext(ctx, "supervisor.cleanup.done", slog.Int("evicted", evicted), slog.Int("remaining", lc.reg.Count()))
	}
	if len(failures) > 0 {
		return evicted, fmt.Errorf("cleanup: %d directory lookups failed: %w", len(failures), errors.Join(failures...))
	}
	return evicted, nil
}

func (lc *Lifecycle) lookup(ctx context.Context, sessionID string) (*directory.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, lc.cfg.LookupTimeout)
	defer cancel()
	if r, ok := lc.dir.(refresher); ok {
		return r.Refresh(ctx, sessionID)
	}
	return lc.dir.Lookup(ctx, sessionID)
}

func (lc *Lifecycle) evict(ctx context.Context, c *registry.Connection, reason string, attrs ...any) bool {
	if !lc.reg.UnregisterConnection(c, reason) {
		return false
	}
	if inv, ok := lc.dir.(invalidator); ok {
		inv.Invalidate(c.SessionID)
	}
	lc.metrics.SessionEvicted(reason)
	lc.log.InfoContext(ctx, "supervisor.cleanup.evict", append([]any{slog.String("reason", reason)}, attrs...)...)
	return true
}

// Heartbeat queues a liveness event on every local connection. It is not
// fanned out; each instance heartbeats its own clients.
func (lc *Lifecycle) Heartbeat(ctx context.Context) int {
	n := lc.engine.DeliverLocal(ctx, notify.Heartbeat(lc.now()))
	lc.log.DebugContext(ctx, "supervisor.heartbeat", slog.Int("recipients", n))
	return n
}

// CollectStats logs connection counts per unit and role along with the
// change since the previous pass, and warns when too many connections are
// stale.
func (lc *Lifecycle) CollectStats(ctx context.Context) registry.Summary {
	s := lc.reg.Summarize(lc.cfg.IdleTimeout / 2)

	lc.mu.Lock()
	prev := lc.last
	lc.last = s
	lc.mu.Unlock()

	lc.metrics.SetConnections(s.Total, s.Users, s.Stale)
	lc.log.InfoContext(ctx, "supervisor.stats",
		slog.Int("total", s.Total),
		slog.Int("total_delta", s.Total-prev.Total),
		slog.Int("users", s.Users),
		slog.Int("users_delta", s.Users-prev.Users),
		slog.Int("stale", s.Stale),
		slog.Any("by_unit", s.ByUnit),
		slog.Any("by_role", s.ByRole))

	if ratio := s.StaleRatio(); ratio > lc.cfg.StaleRatioThreshold {
		lc.log.WarnContext(ctx, "supervisor.stats.stale_ratio",
			slog.Float64("ratio", ratio),
			slog.Float64("threshold", lc.cfg.StaleRatioThreshold),
			slog.Int("stale", s.Stale),
			slog.Int("total", s.Total))
	}
	return s
}

// LastStats returns the summary from the most recent CollectStats.
func (lc *Lifecycle) LastStats() registry.Summary {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.last
}

// CheckOverflow alerts administrators when the instance holds more
// connections than OverflowFactor times the per-user cap. It never
// disconnects anyone. It reports whether an alert was raised.
func (lc *Lifecycle) CheckOverflow(ctx context.Context) bool {
	total := lc.reg.Count()
	threshold := lc.cfg.OverflowFactor * lc.reg.MaxConnectionsPerUser()
	if total <= threshold {
		return false
	}
	lc.log.WarnContext(ctx, "supervisor.overflow", slog.Int("total", total), slog.Int("threshold", threshold))

	alert, err := notify.New(notify.EventSystemAlert, map[string]any{
		"kind":      "connection_overflow",
		"total":     total,
		"threshold": threshold,
	},
		notify.WithPriority(notify.PriorityCritical),
		notify.WithTarget(notify.ToPermissions(lc.cfg.AlertPermission)),
		notify.WithFanout(),
		notify.WithCreatedAt(lc.now()),
	)
	if err != nil {
		lc.log.ErrorContext(ctx, "supervisor.overflow.alert_fail", slog.String("err", err.Error()))
		return false
	}
	lc.engine.Deliver(ctx, alert)
	return true
}

// CollectRateBuckets drops rate-limit buckets idle for RateIdle.
func (lc *Lifecycle) CollectRateBuckets(ctx context.Context) int {
	n := lc.reg.Limiter().Sweep(ctx, lc.cfg.RateIdle)
	if n > 0 {
		lc.log.DebugContext(ctx, "supervisor.rate_gc", slog.Int("removed", n))
	}
	return n
}
