// Package directory is the read side of the external session store.
//
// The notification core never creates or validates credentials. It only
// asks the directory whether a session exists, is active and unexpired, and
// which permissions, unit and role it carries.
package directory

import (
	"context"
	"slices"
	"time"
)

// Record is what the directory knows about one session.
type Record struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Permissions []string  `json:"permissions,omitempty"`
	UnitID      string    `json:"unit_id,omitempty"`
	Role        string    `json:"role,omitempty"`
	Active      bool      `json:"active"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Invalid reasons returned by Record.Invalid.
const (
	InvalidInactive = "inactive"
	InvalidExpired  = "expired"
)

// Invalid returns why the session may no longer stream at now, or "" if it
// may. A zero ExpiresAt never expires.
func (r *Record) Invalid(now time.Time) string {
	if !r.Active {
		return InvalidInactive
	}
	if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
		return InvalidExpired
	}
	return ""
}

func (r *Record) Clone() *Record {
	c := *r
	c.Permissions = slices.Clone(r.Permissions)
	return &c
}

// Directory resolves session ids. Lookup returns an error wrapping
// notify.ErrSessionNotFound for unknown sessions; any other error means the
// directory could not answer.
type Directory interface {
	Lookup(ctx context.Context, sessionID string) (*Record, error)
}

// Writer is implemented by directories the process can also populate, such
// as the in-memory and Redis stores used in tests and single-node setups.
type Writer interface {
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, sessionID string) error
	// Deactivate marks the session inactive without deleting it.
	Deactivate(ctx context.Context, sessionID string) error
}

type Store interface {
	Directory
	Writer
}

// Invalidator is implemented by directories that keep local copies of
// records. Invalidate forces the next Lookup of sessionID upstream.
type Invalidator interface {
	Invalidate(sessionID string)
}
