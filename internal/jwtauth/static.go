package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

type staticAuthenticator struct {
	*validator
}

// NewStatic constructs an authenticator that validates JWT access tokens
// against a statically configured issuer, audiences and JWKS URI (no discovery).
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*staticAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	cfg.normalize()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &staticAuthenticator{validator: newValidator(cfg, cfg.Issuer, kf.Keyfunc)}, nil
}

func (a *staticAuthenticator) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	return a.check(tok)
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

var _ Authenticator = (*staticAuthenticator)(nil)
