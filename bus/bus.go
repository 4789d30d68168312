// Package bus replicates broadcast-class messages across instances.
//
// A Bus is a dumb payload transport (Redis Pub/Sub, NATS or in-memory).
// Relay layers the wire envelope, self-echo suppression and reconnect policy
// on top of any Bus.
package bus

import (
	"context"
	"errors"
)

// DefaultChannel is the channel or subject used when none is configured.
const DefaultChannel = "notifycast.broadcast"

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("bus: closed")

// Handler receives one payload. It must not retain payload after returning.
type Handler func(ctx context.Context, payload []byte)

// Bus is a fire-and-forget pub/sub transport shared by all instances.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers every payload published after the subscription is
	// established to handler, calling ready once that has happened. It blocks
	// until ctx is done, returning ctx.Err(), or the transport fails,
	// returning the failure. Payloads are delivered one at a time.
	Subscribe(ctx context.Context, handler Handler, ready func()) error
	Close() error
}
