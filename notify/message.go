package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable unit of delivery. Once handed to a producer API it
// must not be modified; use Clone to derive a variant.
type Message struct {
	ID        string          `json:"id"`
	Event     EventType       `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Priority  Priority        `json:"priority"`
	// TTL of zero means the message never expires.
	TTL    time.Duration `json:"ttl,omitempty"`
	Target Target        `json:"target"`
	// FanoutID is set only on locally originated messages that must be
	// republished to other instances. Messages received from the bus always
	// have it cleared before local delivery.
	FanoutID string `json:"fanout_id,omitempty"`
}

// MessageOption customizes a Message built by New.
type MessageOption func(*Message)

func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

func WithTTL(ttl time.Duration) MessageOption {
	return func(m *Message) { m.TTL = ttl }
}

func WithTarget(t Target) MessageOption {
	return func(m *Message) { m.Target = t.clone() }
}

// WithCreatedAt overrides the creation timestamp (defaults to time.Now).
func WithCreatedAt(at time.Time) MessageOption {
	return func(m *Message) { m.CreatedAt = at }
}

// WithID overrides the generated message id.
func WithID(id string) MessageOption {
	return func(m *Message) { m.ID = id }
}

// WithFanout marks the message for republication on the cross-instance bus.
func WithFanout() MessageOption {
	return func(m *Message) { m.FanoutID = NewFanoutID() }
}

// New builds a Message. payload may be nil, a json.RawMessage (which must be
// valid JSON) or any value accepted by encoding/json.
func New(event EventType, payload any, opts ...MessageOption) (*Message, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   raw,
		CreatedAt: time.Now(),
		Priority:  PriorityNormal,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ID == "" {
		return nil, errors.New("notify: message id must not be empty")
	}
	return m, nil
}

// MustNew is New for static payloads known to encode.
func MustNew(event EventType, payload any, opts ...MessageOption) *Message {
	m, err := New(event, payload, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrSerialization)
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return b, nil
	}
}

// Expired reports whether the message has outlived its TTL at now.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.CreatedAt) > m.TTL
}

// Clone returns a copy that may be modified freely. The payload bytes are
// shared and must be treated as read-only.
func (m *Message) Clone() *Message {
	c := *m
	c.Target = m.Target.clone()
	return &c
}

func (m *Message) Validate() error {
	if m == nil {
		return errors.New("notify: nil message")
	}
	if m.ID == "" {
		return errors.New("notify: message id is empty")
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrSerialization)
	}
	return m.Event.Validate()
}

// Heartbeat is the lightweight liveness event. It also stands in for any
// message whose TTL elapsed before it reached a recipient.
func Heartbeat(now time.Time) *Message {
	return MustNew(EventHeartbeat, map[string]int64{"ts": now.UnixMilli()},
		WithPriority(PriorityLow), WithCreatedAt(now))
}

// Lagged reports that skipped messages were dropped from a connection's
// queue because it was full.
func Lagged(skipped int64, now time.Time) *Message {
	return MustNew(EventLagged, map[string]int64{"skipped": skipped},
		WithPriority(PriorityHigh), WithCreatedAt(now))
}

// Revocation is the unconditional notice sent to a session being revoked.
func Revocation(sessionID, reason string, now time.Time) *Message {
	return MustNew(EventSessionRevoked, map[string]string{"session_id": sessionID, "reason": reason},
		WithPriority(PriorityCritical), WithTarget(ToSession(sessionID)), WithCreatedAt(now))
}

// NewFanoutID returns a fresh identifier for Message.FanoutID.
func NewFanoutID() string { return uuid.NewString() }
