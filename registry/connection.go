package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/notifycast/notify"
)

// ErrQueueFull is returned by Offer when the connection's queue has no room.
// The drop is remembered and surfaces on the stream as a lagged event.
var ErrQueueFull = errors.New("registry: queue full")

// Close reasons recorded on a Connection when it leaves the registry.
const (
	ReasonReplaced     = "replaced"
	ReasonDisconnected = "disconnected"
	ReasonRevoked      = "revoked"
	ReasonStale        = "stale"
	ReasonExpired      = "expired"
	ReasonShutdown     = "shutdown"
)

// Snapshot is the authorization context captured from the session directory
// when the stream opened. It is never refreshed; the supervisor evicts
// connections whose session stops being valid.
type Snapshot struct {
	Permissions []string
	UnitID      string
	Role        string
}

// HasAny reports whether the snapshot holds at least one of perms.
func (s Snapshot) HasAny(perms []string) bool {
	for _, p := range perms {
		if slices.Contains(s.Permissions, p) {
			return true
		}
	}
	return false
}

// Metadata describes the client behind a connection.
type Metadata struct {
	RemoteAddr string
	UserAgent  string
}

// Connection is one live stream. The registry owns its lifecycle; the stream
// consumer reads from it with Next.
type Connection struct {
	SessionID   string
	UserID      string
	Snapshot    Snapshot
	Meta        Metadata
	ConnectedAt time.Time

	now           func() time.Time
	queue         chan *notify.Message
	dropped       atomic.Int64
	lastHeartbeat atomic.Int64

	// pushMu serializes OfferForce so evicting the oldest item and
	// enqueueing happen as one step with respect to other forced offers.
	pushMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	reason    atomic.Pointer[string]
}

func newConnection(sessionID, userID string, snap Snapshot, meta Metadata, queueSize int, now func() time.Time) *Connection {
	c := &Connection{
		SessionID:   sessionID,
		UserID:      userID,
		Snapshot:    Snapshot{Permissions: slices.Clone(snap.Permissions), UnitID: snap.UnitID, Role: snap.Role},
		Meta:        meta,
		ConnectedAt: now(),
		now:         now,
		queue:       make(chan *notify.Message, queueSize),
		done:        make(chan struct{}),
	}
	c.lastHeartbeat.Store(c.ConnectedAt.UnixNano())
	return c
}

// Offer enqueues msg without blocking. It returns ErrQueueFull when the
// queue is full and notify.ErrConnectionClosed once the connection has been
// removed.
func (c *Connection) Offer(msg *notify.Message) error {
	select {
	case <-c.done:
		return notify.ErrConnectionClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		c.dropped.Add(1)
		return ErrQueueFull
	}
}

// OfferForce enqueues msg even when the queue is full by discarding the
// oldest queued item, which is counted as dropped.
func (c *Connection) OfferForce(msg *notify.Message) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	for {
		if err := c.Offer(msg); !errors.Is(err, ErrQueueFull) {
			return err
		}
		// Offer counted msg itself as dropped; the evicted item takes its place.
		select {
		case <-c.queue:
		default:
			c.dropped.Add(-1)
		}
	}
}

// Next returns the next item for the stream, blocking until one is
// available, the connection is closed or ctx is done. Queued messages come
// first; once the queue is empty any drops since the last call are reported
// as a single lagged event. Items queued before closure are still returned.
func (c *Connection) Next(ctx context.Context) (*notify.Message, error) {
	select {
	case m := <-c.queue:
		return m, nil
	default:
	}
	if n := c.dropped.Swap(0); n > 0 {
		return notify.Lagged(n, c.now()), nil
	}
	select {
	case m := <-c.queue:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.queue:
			return m, nil
		default:
			return nil, notify.ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued items.
func (c *Connection) Pending() int { return len(c.queue) }

// Dropped returns drops not yet reported to the stream.
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

// Touch records liveness at the current time.
func (c *Connection) Touch() {
	c.lastHeartbeat.Store(c.now().UnixNano())
}

func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Done is closed when the connection leaves the registry.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason is empty while the connection is live.
func (c *Connection) CloseReason() string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return ""
}

func (c *Connection) close(reason string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.reason.Store(&reason)
		close(c.done)
		closed = true
	})
	return closed
}
