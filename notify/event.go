package notify

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the EventType variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCheckIn
	KindAnnouncement
	KindAdminAction
	KindActivityUpdated
	KindSessionRevoked
	KindSystemAlert
	KindHeartbeat
	KindLagged
	KindCustom
)

var kindNames = map[Kind]string{
	KindCheckIn:         "checkin",
	KindAnnouncement:    "announcement",
	KindAdminAction:     "admin_action",
	KindActivityUpdated: "activity_updated",
	KindSessionRevoked:  "session_revoked",
	KindSystemAlert:     "system_alert",
	KindHeartbeat:       "heartbeat",
	KindLagged:          "lagged",
}

var namedKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

// EventType names what a Message is about. The zero value is invalid.
type EventType struct {
	kind Kind
	name string
}

// Known event types.
var (
	EventCheckIn         = EventType{kind: KindCheckIn}
	EventAnnouncement    = EventType{kind: KindAnnouncement}
	EventAdminAction     = EventType{kind: KindAdminAction}
	EventActivityUpdated = EventType{kind: KindActivityUpdated}
	EventSessionRevoked  = EventType{kind: KindSessionRevoked}
	EventSystemAlert     = EventType{kind: KindSystemAlert}
	EventHeartbeat       = EventType{kind: KindHeartbeat}
	EventLagged          = EventType{kind: KindLagged}
)

// ErrInvalidEventType is returned by EventType.Validate.
var ErrInvalidEventType = errors.New("notify: invalid event type")

// Custom returns an open-ended event type carrying name. Names are written
// verbatim into the event line of the stream protocol, so they must be
// non-empty, free of line breaks and distinct from every built-in name; see
// Validate.
func Custom(name string) EventType {
	return EventType{kind: KindCustom, name: name}
}

// ParseEventType maps a wire name back to an EventType. Names matching a
// known kind decode to that kind; anything else becomes Custom(name).
func ParseEventType(name string) EventType {
	if k, ok := namedKinds[name]; ok {
		return EventType{kind: k}
	}
	return Custom(name)
}

func (e EventType) Kind() Kind { return e.kind }

// Name is the wire name of the event.
func (e EventType) Name() string {
	if e.kind == KindCustom {
		return e.name
	}
	return kindNames[e.kind]
}

func (e EventType) String() string { return e.Name() }

func (e EventType) IsZero() bool { return e.kind == KindUnknown }

// Is reports whether e and o denote the same event.
func (e EventType) Is(o EventType) bool {
	return e.kind == o.kind && e.name == o.name
}

func (e EventType) Validate() error {
	switch e.kind {
	case KindUnknown:
		return fmt.Errorf("%w: empty", ErrInvalidEventType)
	case KindCustom:
		if strings.TrimSpace(e.name) == "" {
			return fmt.Errorf("%w: custom name is empty", ErrInvalidEventType)
		}
		if strings.ContainsAny(e.name, "\r\n") {
			return fmt.Errorf("%w: custom name %q contains a line break", ErrInvalidEventType, e.name)
		}
		if _, ok := namedKinds[e.name]; ok {
			return fmt.Errorf("%w: custom name %q is reserved", ErrInvalidEventType, e.name)
		}
	default:
		if _, ok := kindNames[e.kind]; !ok {
			return fmt.Errorf("%w: kind %d", ErrInvalidEventType, e.kind)
		}
	}
	return nil
}

func (e EventType) MarshalText() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return []byte(e.Name()), nil
}

func (e *EventType) UnmarshalText(b []byte) error {
	parsed := ParseEventType(string(b))
	if err := parsed.Validate(); err != nil {
		return err
	}
	*e = parsed
	return nil
}
