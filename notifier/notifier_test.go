package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/notifycast/bus"
	"github.com/ggoodman/notifycast/bus/memorybus"
	"github.com/ggoodman/notifycast/delivery"
	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/directory/memorydir"
	"github.com/ggoodman/notifycast/notify"
	"github.com/ggoodman/notifycast/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instance struct {
	reg   *registry.Registry
	svc   *Service
	relay *bus.Relay
}

func newInstance(opts ...registry.Option) *instance {
	reg := registry.New(opts...)
	eng := delivery.New(reg)
	return &instance{reg: reg, svc: New(reg, eng)}
}

// newCluster starts n instances sharing one in-memory bus.
func newCluster(t *testing.T, n int) []*instance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	network := memorybus.NewNetwork()

	out := make([]*instance, n)
	for i := range out {
		reg := registry.New()
		relay := bus.NewRelay(network.Bus())
		eng := delivery.New(reg, delivery.WithPublisher(relay))
		svc := New(reg, eng, WithBusStatus(relay))
		go func() { _ = relay.Run(ctx, svc) }()
		out[i] = &instance{reg: reg, svc: svc, relay: relay}
	}
	for _, in := range out {
		require.Eventually(t, in.relay.Connected, 2*time.Second, 5*time.Millisecond)
	}
	return out
}

func (in *instance) connect(t *testing.T, sessionID, userID string, snap registry.Snapshot) *registry.Connection {
	t.Helper()
	c, err := in.svc.Connect(context.Background(), ConnectRequest{SessionID: sessionID, UserID: userID, Snapshot: snap})
	require.NoError(t, err)
	return c
}

func read(t *testing.T, c *registry.Connection) *notify.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := c.Next(ctx)
	require.NoError(t, err)
	return m
}

func assertNothing(t *testing.T, c *registry.Connection, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	m, err := c.Next(ctx)
	if err == nil {
		t.Fatalf("session %s unexpectedly received %s", c.SessionID, m.Event)
	}
}

func TestNotifyPermission_ReachesHoldersOnly(t *testing.T) {
	in := newInstance()
	s1 := in.connect(t, "s1", "u1", registry.Snapshot{Permissions: []string{"admin"}})
	s2 := in.connect(t, "s2", "u2", registry.Snapshot{Permissions: []string{}})

	msg := notify.MustNew(notify.EventAdminAction, map[string]string{"op": "reset"})
	assert.Equal(t, 1, in.svc.NotifyPermission(context.Background(), []string{"admin"}, msg))

	got := read(t, s1)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, notify.ToPermissions("admin"), got.Target)
	assert.Equal(t, notify.Everyone(), msg.Target, "producer's message is not modified")
	assertNothing(t, s2, 20*time.Millisecond)
}

func TestNotifyUser_ReachesEverySession(t *testing.T) {
	in := newInstance()
	s1 := in.connect(t, "s1", "u1", registry.Snapshot{})
	s2 := in.connect(t, "s2", "u1", registry.Snapshot{})

	msg := notify.MustNew(notify.EventCheckIn, map[string]string{"activity": "a1"})
	assert.Equal(t, 2, in.svc.NotifyUser(context.Background(), "u1", msg))
	assert.Equal(t, msg.ID, read(t, s1).ID)
	assert.Equal(t, msg.ID, read(t, s2).ID)
}

func TestNotifySessions_FullQueueReportsLag(t *testing.T) {
	in := newInstance(registry.WithQueueSize(1))
	s1 := in.connect(t, "s1", "u1", registry.Snapshot{})

	first := notify.MustNew(notify.EventAnnouncement, map[string]int{"n": 1})
	second := notify.MustNew(notify.EventAnnouncement, map[string]int{"n": 2})
	in.svc.NotifySessions(context.Background(), []string{"s1"}, first)
	in.svc.NotifySessions(context.Background(), []string{"s1"}, second)

	assert.Equal(t, first.ID, read(t, s1).ID)
	lag := read(t, s1)
	assert.True(t, lag.Event.Is(notify.EventLagged))
	assert.JSONEq(t, `{"skipped":1}`, string(lag.Payload))
}

func TestRevokeSession_NotifiesThenCloses(t *testing.T) {
	in := newInstance()
	s1 := in.connect(t, "s1", "u1", registry.Snapshot{})

	assert.True(t, in.svc.RevokeSession(context.Background(), "s1", "policy"))
	_, ok := in.reg.Lookup("s1")
	assert.False(t, ok)

	got := read(t, s1)
	assert.True(t, got.Event.Is(notify.EventSessionRevoked))
	assert.Equal(t, notify.PriorityCritical, got.Priority)
	assert.JSONEq(t, `{"session_id":"s1","reason":"policy"}`, string(got.Payload))

	_, err := s1.Next(context.Background())
	assert.ErrorIs(t, err, notify.ErrConnectionClosed)
	assert.Equal(t, registry.ReasonRevoked, s1.CloseReason())

	assert.False(t, in.svc.RevokeSession(context.Background(), "s1", "again"))
}

func TestRevokeSession_InvalidatesDirectoryCache(t *testing.T) {
	ctx := context.Background()
	upstream := memorydir.New()
	cached := directory.NewCached(upstream, directory.WithCacheTTL(time.Hour))
	require.NoError(t, upstream.Put(ctx, &directory.Record{SessionID: "s1", UserID: "u1", Active: true}))
	require.NoError(t, upstream.Put(ctx, &directory.Record{SessionID: "s2", UserID: "u2", Active: true}))

	reg := registry.New()
	svc := New(reg, delivery.New(reg), WithDirectory(cached))

	_, err := cached.Lookup(ctx, "s1")
	require.NoError(t, err)
	_, err = cached.Lookup(ctx, "s2")
	require.NoError(t, err)
	require.Equal(t, 2, cached.Len())

	svc.RevokeSession(ctx, "s1", "logout")
	assert.Equal(t, 1, cached.Len())

	svc.DeliverRemote(ctx, notify.Revocation("s2", "logout", time.Now()))
	assert.Zero(t, cached.Len())
}

func TestConnectAndDisconnect(t *testing.T) {
	in := newInstance(registry.WithMaxConnectionsPerUser(1))
	c := in.connect(t, "s1", "u1", registry.Snapshot{})

	_, err := in.svc.Connect(context.Background(), ConnectRequest{SessionID: "s2", UserID: "u1"})
	require.ErrorIs(t, err, notify.ErrTooManyConnections)

	assert.True(t, in.svc.Disconnect(c))
	assert.False(t, in.svc.Disconnect(c))
	in.connect(t, "s2", "u1", registry.Snapshot{})
}

func TestStats(t *testing.T) {
	in := newInstance()
	in.connect(t, "s1", "u1", registry.Snapshot{UnitID: "math", Role: "staff"})
	in.connect(t, "s2", "u2", registry.Snapshot{UnitID: "cs", Role: "staff"})

	st := in.svc.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Users)
	assert.Equal(t, map[string]int{"staff": 2}, st.ByRole)
	assert.False(t, st.BusConnected)
}

func TestCluster_BroadcastReachesEveryInstanceOnce(t *testing.T) {
	nodes := newCluster(t, 2)
	a := nodes[0].connect(t, "a1", "u1", registry.Snapshot{UnitID: "math"})
	b := nodes[1].connect(t, "b1", "u2", registry.Snapshot{UnitID: "math"})

	msg := notify.MustNew(notify.EventAnnouncement, map[string]string{"text": "exam moved"})
	assert.Equal(t, 1, nodes[0].svc.NotifyUnit(context.Background(), "math", msg))

	assert.Equal(t, msg.ID, read(t, a).ID)
	remote := read(t, b)
	assert.Equal(t, msg.ID, remote.ID)
	assert.Empty(t, remote.FanoutID)

	// Neither instance loops the message back.
	assertNothing(t, a, 50*time.Millisecond)
	assertNothing(t, b, 50*time.Millisecond)
	assert.True(t, nodes[0].svc.Stats().BusConnected)
}

func TestCluster_SessionsStayLocal(t *testing.T) {
	nodes := newCluster(t, 2)
	b := nodes[1].connect(t, "s1", "u1", registry.Snapshot{})

	assert.Equal(t, 0, nodes[0].svc.NotifySessions(context.Background(), []string{"s1"}, notify.MustNew(notify.EventAnnouncement, nil)))
	assertNothing(t, b, 50*time.Millisecond)
}

func TestCluster_RevocationFollowsTheStream(t *testing.T) {
	nodes := newCluster(t, 2)
	c := nodes[1].connect(t, "s1", "u1", registry.Snapshot{})

	assert.False(t, nodes[0].svc.RevokeSession(context.Background(), "s1", "logout"))

	got := read(t, c)
	assert.True(t, got.Event.Is(notify.EventSessionRevoked))
	require.Eventually(t, func() bool {
		_, ok := nodes[1].reg.Lookup("s1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, registry.ReasonRevoked, c.CloseReason())
}
