package memorybus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/notifycast/bus"
	"github.com/ggoodman/notifycast/bus/bustest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) (bus.Bus, bus.Bus) {
		n := NewNetwork()
		return n.Bus(), n.Bus()
	})
}

func TestNetwork_FailAndRecover(t *testing.T) {
	n := NewNetwork()
	b := n.Bus()
	ctx := context.Background()

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(context.Context, []byte) {}, func() { close(ready) })
	}()
	<-ready
	assert.Equal(t, 1, n.Subscribers())

	n.Fail()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrUnavailable))
	case <-time.After(time.Second):
		t.Fatal("subscription survived a network failure")
	}
	require.ErrorIs(t, b.Publish(ctx, []byte("x")), ErrUnavailable)
	require.ErrorIs(t, b.Subscribe(ctx, nil, nil), ErrUnavailable)

	n.Recover()
	require.NoError(t, b.Publish(ctx, []byte("x")))
}
