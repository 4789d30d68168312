// Package authtest provides an in-memory Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ggoodman/notifycast/auth"
)

// Identity is what a registered token authenticates as.
type Identity struct {
	UserID      string
	SessionID   string
	Permissions []string
}

// Tokens maps opaque bearer tokens onto identities.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[string]Identity)}
}

// Add registers tok and returns it for convenience.
func (t *Tokens) Add(tok string, id Identity) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[tok] = id
	return tok
}

func (t *Tokens) Revoke(tok string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, tok)
}

func (t *Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	t.mu.RLock()
	id, ok := t.tokens[tok]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return userInfo{id: id}, nil
}

var _ auth.Authenticator = (*Tokens)(nil)

type userInfo struct{ id Identity }

func (u userInfo) UserID() string        { return u.id.UserID }
func (u userInfo) SessionID() string     { return u.id.SessionID }
func (u userInfo) Permissions() []string { return slices.Clone(u.id.Permissions) }

func (u userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{
		"sub":   u.id.UserID,
		"sid":   u.id.SessionID,
		"perms": u.id.Permissions,
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
