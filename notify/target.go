package notify

import (
	"fmt"
	"slices"
)

// TargetKind selects how a Target resolves to connections.
type TargetKind uint8

const (
	// TargetBroadcast reaches every connection. It is the zero value.
	TargetBroadcast TargetKind = iota
	TargetSession
	TargetSessions
	TargetUser
	TargetUnit
	TargetPermissions
)

var targetKindNames = [...]string{
	TargetBroadcast:   "broadcast",
	TargetSession:     "session",
	TargetSessions:    "sessions",
	TargetUser:        "user",
	TargetUnit:        "unit",
	TargetPermissions: "permissions",
}

func (k TargetKind) String() string {
	if int(k) < len(targetKindNames) {
		return targetKindNames[k]
	}
	return fmt.Sprintf("target(%d)", uint8(k))
}

func (k TargetKind) MarshalText() ([]byte, error) {
	if int(k) >= len(targetKindNames) {
		return nil, fmt.Errorf("notify: invalid target kind %d", uint8(k))
	}
	return []byte(targetKindNames[k]), nil
}

func (k *TargetKind) UnmarshalText(b []byte) error {
	for i, n := range targetKindNames {
		if n == string(b) {
			*k = TargetKind(i)
			return nil
		}
	}
	return fmt.Errorf("notify: unknown target kind %q", string(b))
}

// Target is the rule that decides which connections receive a Message.
//
// ID carries the session, user or unit identifier for the single-valued
// kinds; IDs carries the session ids or permissions for the set-valued ones.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
	IDs  []string   `json:"ids,omitempty"`
}

// Everyone targets every connection.
func Everyone() Target { return Target{Kind: TargetBroadcast} }

func ToSession(sessionID string) Target {
	return Target{Kind: TargetSession, ID: sessionID}
}

func ToSessions(sessionIDs ...string) Target {
	return Target{Kind: TargetSessions, IDs: slices.Clone(sessionIDs)}
}

// ToUser targets every session currently connected for userID.
func ToUser(userID string) Target {
	return Target{Kind: TargetUser, ID: userID}
}

func ToUnit(unitID string) Target {
	return Target{Kind: TargetUnit, ID: unitID}
}

// ToPermissions targets connections holding at least one of perms.
func ToPermissions(perms ...string) Target {
	return Target{Kind: TargetPermissions, IDs: slices.Clone(perms)}
}

func (t Target) String() string {
	switch t.Kind {
	case TargetBroadcast:
		return "broadcast"
	case TargetSessions, TargetPermissions:
		return fmt.Sprintf("%s:%v", t.Kind, t.IDs)
	default:
		return fmt.Sprintf("%s:%s", t.Kind, t.ID)
	}
}

func (t Target) clone() Target {
	t.IDs = slices.Clone(t.IDs)
	return t
}
