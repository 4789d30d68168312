// Package ratelimit bounds how often a session may open a stream.
//
// Limits are fixed windows keyed by session id. Buckets live independently of
// connections, so a client that disconnects and reconnects inside a window
// still spends from the same quota.
package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	DefaultQuota  = 100
	DefaultWindow = 60 * time.Second
)

// Limiter admits or refuses connection attempts.
type Limiter interface {
	// Admit records an attempt for id and reports whether it fits within the
	// current window.
	Admit(ctx context.Context, id string) bool
	// Sweep forgets buckets untouched for at least idle and returns how many
	// were removed.
	Sweep(ctx context.Context, idle time.Duration) int
}

// bucket is only read and replaced inside xsync.Map.Compute, which serializes
// access per key.
type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Window is an in-memory fixed-window limiter.
type Window struct {
	quota   int
	window  time.Duration
	now     func() time.Time
	buckets *xsync.Map[string, bucket]
}

var _ Limiter = (*Window)(nil)

type Option func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow returns a limiter allowing quota attempts per window. Non-positive
// arguments fall back to DefaultQuota and DefaultWindow.
func NewWindow(quota int, window time.Duration, opts ...Option) *Window {
	if quota <= 0 {
		quota = DefaultQuota
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{
		quota:   quota,
		window:  window,
		now:     time.Now,
		buckets: xsync.NewMap[string, bucket](),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) Admit(_ context.Context, id string) bool {
	now := w.now()
	admitted := false
	w.buckets.Compute(id, func(b bucket, loaded bool) (bucket, xsync.ComputeOp) {
		if !loaded || now.Sub(b.windowStart) >= w.window {
			b = bucket{windowStart: now}
		}
		b.lastSeen = now
		if b.count < w.quota {
			b.count++
			admitted = true
		}
		return b, xsync.UpdateOp
	})
	return admitted
}

func (w *Window) Sweep(_ context.Context, idle time.Duration) int {
	now := w.now()
	removed := 0
	w.buckets.Range(func(id string, _ bucket) bool {
		// Staleness is rechecked under the key's lock so a concurrent Admit
		// is never discarded.
		w.buckets.Compute(id, func(b bucket, loaded bool) (bucket, xsync.ComputeOp) {
			if !loaded || now.Sub(b.lastSeen) < idle {
				return b, xsync.CancelOp
			}
			removed++
			return b, xsync.DeleteOp
		})
		return true
	})
	return removed
}

// Len returns the number of live buckets.
func (w *Window) Len() int { return w.buckets.Size() }
