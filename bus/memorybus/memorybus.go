// Package memorybus is an in-process Bus. Every Bus obtained from the same
// Network sees the others' publications, which lets tests run several
// instances in one process. Fail and Recover simulate an outage.
package memorybus

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/notifycast/bus"
)

// ErrUnavailable is returned while the network is failed.
var ErrUnavailable = errors.New("memorybus: network unavailable")

const subscriberBuffer = 1024

type Network struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	down bool
}

type subscriber struct {
	ch   chan []byte
	kill chan struct{}
	once sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.kill) }) }

func NewNetwork() *Network {
	return &Network{subs: make(map[*subscriber]struct{})}
}

// Bus returns a new endpoint attached to the network.
func (n *Network) Bus() *Bus {
	return &Bus{net: n, closed: make(chan struct{})}
}

// Fail terminates every active subscription and rejects publications until
// Recover is called.
func (n *Network) Fail() {
	n.mu.Lock()
	n.down = true
	subs := n.subs
	n.subs = make(map[*subscriber]struct{})
	n.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}

func (n *Network) Recover() {
	n.mu.Lock()
	n.down = false
	n.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (n *Network) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Network) publish(payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return ErrUnavailable
	}
	for s := range n.subs {
		cp := append([]byte(nil), payload...)
		select {
		case s.ch <- cp:
		default:
			// Slow subscriber; pub/sub is at-most-once.
		}
	}
	return nil
}

func (n *Network) attach() (*subscriber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return nil, ErrUnavailable
	}
	s := &subscriber{ch: make(chan []byte, subscriberBuffer), kill: make(chan struct{})}
	n.subs[s] = struct{}{}
	return s, nil
}

func (n *Network) detach(s *subscriber) {
	n.mu.Lock()
	delete(n.subs, s)
	n.mu.Unlock()
}

type Bus struct {
	net       *Network
	closeOnce sync.Once
	closed    chan struct{}
}

var _ bus.Bus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.closed:
		return bus.ErrClosed
	default:
	}
	return b.net.publish(payload)
}

func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler, ready func()) error {
	select {
	case <-b.closed:
		return bus.ErrClosed
	default:
	}
	s, err := b.net.attach()
	if err != nil {
		return err
	}
	defer b.net.detach(s)
	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return bus.ErrClosed
		case <-s.kill:
			return ErrUnavailable
		case p := <-s.ch:
			handler(ctx, p)
		}
	}
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
