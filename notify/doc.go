// Package notify defines the value types shared by every layer of the
// notification core: the immutable Message, its EventType tag, delivery
// Priority, the Target rule that selects recipients, and the error taxonomy
// surfaced by admission and delivery.
//
// A Message is built once by a producer and never mutated afterwards. Layers
// that need a variation (a different target, a cleared fanout id) work on a
// Clone.
//
// # Event types
//
// EventType is a tagged variant: the known kinds (EventCheckIn,
// EventAnnouncement, EventSessionRevoked, ...) are package-level values, and
// Custom builds an open-ended kind carrying its own name:
//
//	msg, err := notify.New(notify.Custom("quiz_started"), payload,
//	    notify.WithPriority(notify.PriorityHigh),
//	    notify.WithTTL(2*time.Minute),
//	)
//
// # Targets
//
// A Target is one of: a single session, a set of sessions, a user (all of its
// sessions), an organizational unit, a permission set (ANY-of match), or the
// zero value which means every connection.
package notify
