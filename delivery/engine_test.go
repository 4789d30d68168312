package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/ratelimit"
	"github.com/ggoodman/notifycast/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*notify.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg *notify.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func newRegistry(opts ...registry.Option) *registry.Registry {
	opts = append([]registry.Option{
		registry.WithLimiter(ratelimit.NewWindow(1000, time.Minute)),
		registry.WithMaxConnectionsPerUser(100),
	}, opts...)
	return registry.New(opts...)
}

func connect(t *testing.T, reg *registry.Registry, sessionID, userID string, snap registry.Snapshot) *registry.Connection {
	t.Helper()
	c, err := reg.Register(context.Background(), sessionID, userID, snap, registry.Metadata{})
	require.NoError(t, err)
	return c
}

// next returns the next queued item without waiting.
func next(t *testing.T, c *registry.Connection) *notify.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m, err := c.Next(ctx)
	require.NoError(t, err)
	return m
}

func assertEmpty(t *testing.T, c *registry.Connection) {
	t.Helper()
	assert.Zero(t, c.Pending(), "session %s should have nothing queued", c.SessionID)
}

func TestDeliver_PermissionTargetSkipsOthers(t *testing.T) {
	reg := newRegistry()
	e := New(reg)
	admin := connect(t, reg, "s1", "u1", registry.Snapshot{Permissions: []string{"admin"}})
	plain := connect(t, reg, "s2", "u2", registry.Snapshot{})

	msg := notify.MustNew(notify.EventAdminAction, map[string]string{"action": "lock"}, notify.WithTarget(notify.ToPermissions("admin")))
	assert.Equal(t, 1, e.Deliver(context.Background(), msg))

	assert.Same(t, msg, next(t, admin))
	assertEmpty(t, plain)
}

func TestDeliver_PermissionsMatchAny(t *testing.T) {
	reg := newRegistry()
	e := New(reg)
	a := connect(t, reg, "a", "u1", registry.Snapshot{Permissions: []string{"reports"}})
	b := connect(t, reg, "b", "u2", registry.Snapshot{Permissions: []string{"grading", "admin"}})
	c := connect(t, reg, "c", "u3", registry.Snapshot{Permissions: []string{"other"}})

	msg := notify.MustNew(notify.EventAnnouncement, nil, notify.WithTarget(notify.ToPermissions("admin", "reports")))
	assert.Equal(t, 2, e.DeliverLocal(context.Background(), msg))
	assert.Same(t, msg, next(t, a))
	assert.Same(t, msg, next(t, b))
	assertEmpty(t, c)

	none := notify.MustNew(notify.EventAnnouncement, nil, notify.WithTarget(notify.ToPermissions()))
	assert.Equal(t, 0, e.DeliverLocal(context.Background(), none))
}

func TestDeliver_UserTargetReachesAllSessions(t *testing.T) {
	reg := newRegistry()
	e := New(reg)
	s1 := connect(t, reg, "s1", "u1", registry.Snapshot{})
	s2 := connect(t, reg, "s2", "u1", registry.Snapshot{})
	other := connect(t, reg, "s3", "u2", registry.Snapshot{})

	msg := notify.MustNew(notify.EventCheckIn, nil, notify.WithTarget(notify.ToUser("u1")))
	assert.Equal(t, 2, e.Deliver(context.Background(), msg))
	assert.Same(t, msg, next(t, s1))
	assert.Same(t, msg, next(t, s2))
	assertEmpty(t, other)
}

func TestUnitAndBroadcastTargeting(t *testing.T) {
	reg := newRegistry()
	e := New(reg)
	m1 := connect(t, reg, "s1", "u1", registry.Snapshot{UnitID: "math"})
	m2 := connect(t, reg, "s2", "u2", registry.Snapshot{UnitID: "math"})
	cs := connect(t, reg, "s3", "u3", registry.Snapshot{UnitID: "cs"})

	unit := notify.MustNew(notify.EventActivityUpdated, nil, notify.WithTarget(notify.ToUnit("math")))
	assert.Equal(t, 2, e.DeliverLocal(context.Background(), unit))
	assert.Same(t, unit, next(t, m1))
	assert.Same(t, unit, next(t, m2))
	assertEmpty(t, cs)

	all := notify.MustNew(notify.EventAnnouncement, nil)
	assert.Equal(t, 3, e.DeliverLocal(context.Background(), all))
	for _, c := range []*registry.Connection{m1, m2, cs} {
		assert.Same(t, all, next(t, c))
	}
}

func TestSessionsTargeting_SkipsMissingAndDuplicates(t *testing.T) {
	reg := newRegistry()
	e := New(reg)
	s1 := connect(t, reg, "s1", "u1", registry.Snapshot{})

	msg := notify.MustNew(notify.EventAnnouncement, nil, notify.WithTarget(notify.ToSessions("s1", "ghost", "s1")))
	assert.Equal(t, 1, e.DeliverLocal(context.Background(), msg))
	assert.Equal(t, 1, s1.Pending())

	single := notify.MustNew(notify.EventAnnouncement, nil, notify.WithTarget(notify.ToSession("ghost")))
	assert.Equal(t, 0, e.DeliverLocal(context.Background(), single))
}

func TestTTLSubstitution(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	reg := newRegistry()
	e := New(reg, WithClock(func() time.Time { return now }))
	c := connect(t, reg, "s1", "u1", registry.Snapshot{})

	stale := notify.MustNew(notify.EventAnnouncement, map[string]string{"secret": "old"},
		notify.WithCreatedAt(now.Add(-2*time.Minute)), notify.WithTTL(time.Minute))
	assert.Equal(t, 0, e.DeliverLocal(context.Background(), stale))

	got := next(t, c)
	assert.True(t, got.Event.Is(notify.EventHeartbeat))
	assert.NotEqual(t, stale.ID, got.ID)
	assert.NotContains(t, string(got.Payload), "secret")

	fresh := notify.MustNew(notify.EventAnnouncement, nil,
		notify.WithCreatedAt(now.Add(-30*time.Second)), notify.WithTTL(time.Minute))
	assert.Equal(t, 1, e.DeliverLocal(context.Background(), fresh))
	assert.Same(t, fresh, next(t, c))
}

func TestDeliver_FullQueueDoesNotAffectOthers(t *testing.T) {
	reg := newRegistry(registry.WithQueueSize(1))
	e := New(reg)
	slow := connect(t, reg, "slow", "u1", registry.Snapshot{})
	fast := connect(t, reg, "fast", "u2", registry.Snapshot{})

	first := notify.MustNew(notify.EventAnnouncement, nil)
	assert.Equal(t, 2, e.DeliverLocal(context.Background(), first))
	assert.Same(t, first, next(t, fast))

	second := notify.MustNew(notify.EventAnnouncement, nil)
	done := make(chan int, 1)
	go func() { done <- e.DeliverLocal(context.Background(), second) }()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on a full queue")
	}
	assert.Same(t, second, next(t, fast))
	assert.Equal(t, int64(1), slow.Dropped())
}

func TestDeliver_DropsInvalidMessages(t *testing.T) {
	reg := newRegistry()
	e := New(reg)
	c := connect(t, reg, "s1", "u1", registry.Snapshot{})

	spoofed := notify.MustNew(notify.EventAnnouncement, nil, notify.WithTarget(notify.ToSession("s1")))
	spoofed.Event = notify.Custom("session_revoked")
	assert.Equal(t, 0, e.Deliver(context.Background(), spoofed))

	broken := notify.MustNew(notify.EventAnnouncement, nil)
	broken.Payload = json.RawMessage("{not json")
	assert.Equal(t, 0, e.Deliver(context.Background(), broken))

	assertEmpty(t, c)
	_, ok := reg.Lookup("s1")
	assert.True(t, ok)
}

func TestRevocationIsUnconditional(t *testing.T) {
	now := time.Now()
	reg := newRegistry(registry.WithQueueSize(1))
	e := New(reg)
	c := connect(t, reg, "s1", "u1", registry.Snapshot{})
	require.NoError(t, c.Offer(notify.MustNew(notify.EventAnnouncement, nil)))

	revoke := notify.Revocation("s1", "policy", now)
	assert.Equal(t, 1, e.DeliverLocal(context.Background(), revoke))
	assert.Same(t, revoke, next(t, c))
}

func TestFanout_PublishesOnceOnlyWhenTagged(t *testing.T) {
	reg := newRegistry()
	pub := &recordingPublisher{}
	e := New(reg, WithPublisher(pub))
	connect(t, reg, "s1", "u1", registry.Snapshot{})

	local := notify.MustNew(notify.EventAnnouncement, nil)
	e.Deliver(context.Background(), local)
	assert.Equal(t, 0, pub.count())

	tagged := notify.MustNew(notify.EventAnnouncement, nil, notify.WithFanout())
	assert.Equal(t, 1, e.Deliver(context.Background(), tagged))
	assert.Equal(t, 1, pub.count())

	e.DeliverLocal(context.Background(), tagged)
	assert.Equal(t, 1, pub.count())

	// No local recipients still publishes.
	nobody := notify.MustNew(notify.EventAnnouncement, nil, notify.WithFanout(), notify.WithTarget(notify.ToUser("elsewhere")))
	assert.Equal(t, 0, e.Deliver(context.Background(), nobody))
	assert.Equal(t, 2, pub.count())
}

func TestFanout_BusFailureKeepsLocalDelivery(t *testing.T) {
	reg := newRegistry()
	pub := &recordingPublisher{err: errors.New("boom")}
	e := New(reg, WithPublisher(pub))
	c := connect(t, reg, "s1", "u1", registry.Snapshot{})

	msg := notify.MustNew(notify.EventAnnouncement, nil, notify.WithFanout())
	assert.Equal(t, 1, e.Deliver(context.Background(), msg))
	assert.Same(t, msg, next(t, c))

	e.SetPublisher(nil)
	assert.Equal(t, 1, e.Deliver(context.Background(), notify.MustNew(notify.EventAnnouncement, nil, notify.WithFanout())))
	assert.Equal(t, 1, pub.count())
}
