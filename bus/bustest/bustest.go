// Package bustest is a conformance suite for bus.Bus implementations.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/notifycast/bus"
)

// PairFactory returns two endpoints attached to the same transport, as two
// instances of the service would be.
type PairFactory func(t *testing.T) (a, b bus.Bus)

// RunBusTests runs the complete Bus suite against factory.
func RunBusTests(t *testing.T, factory PairFactory) {
	t.Run("Publish_ReachesOtherEndpoint", func(t *testing.T) { testPublishReaches(t, factory) })
	t.Run("Publish_FansOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("Publish_PreservesOrderFromOnePublisher", func(t *testing.T) { testOrder(t, factory) })
	t.Run("Subscribe_ReturnsOnCancellation", func(t *testing.T) { testCancel(t, factory) })
	t.Run("Close_RejectsPublish", func(t *testing.T) { testClose(t, factory) })
}

type collector struct {
	mu   sync.Mutex
	got  []string
	cond chan struct{}
}

func newCollector() *collector { return &collector{cond: make(chan struct{}, 1024)} }

func (c *collector) handle(_ context.Context, payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(payload))
	c.mu.Unlock()
	c.cond <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.got) >= n {
			out := append([]string(nil), c.got...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.cond:
		case <-deadline:
			t.Fatalf("timed out waiting for %d payloads", n)
		}
	}
}

// subscribe starts a subscription and waits until it is established.
func subscribe(t *testing.T, ctx context.Context, b bus.Bus, h bus.Handler) <-chan error {
	t.Helper()
	ready := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, h, func() { once.Do(func() { close(ready) }) })
	}()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("subscribe failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not ready")
	}
	return done
}

func testPublishReaches(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	subscribe(t, ctx, b, c.handle)

	if err := a.Publish(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.waitFor(t, 1)
	if got[0] != `{"n":1}` {
		t.Fatalf("unexpected payload %q", got[0])
	}
}

func testFanOut(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ca, cb := newCollector(), newCollector()
	subscribe(t, ctx, a, ca.handle)
	subscribe(t, ctx, b, cb.handle)

	if err := a.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ca.waitFor(t, 1)
	cb.waitFor(t, 1)
}

func testOrder(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	subscribe(t, ctx, b, c.handle)

	const n = 50
	for i := range n {
		if err := a.Publish(ctx, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := c.waitFor(t, n)
	for i := range n {
		if got[i] != fmt.Sprint(i) {
			t.Fatalf("payload %d out of order: %q", i, got[i])
		}
	}
}

func testCancel(t *testing.T, factory PairFactory) {
	_, b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := subscribe(t, ctx, b, func(context.Context, []byte) {})
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return after cancellation")
	}
}

func testClose(t *testing.T, factory PairFactory) {
	a, _ := factory(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected publish after close to fail")
	}
}
