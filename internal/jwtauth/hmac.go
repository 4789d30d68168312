package jwtauth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest shared secret accepted for HMAC tokens.
const MinSecretLen = 32

var hmacAlgs = []string{"HS256", "HS384", "HS512"}

type hmacAuthenticator struct {
	*validator
}

// NewHMAC constructs an authenticator for tokens minted by a trusted backend
// that shares secret with this process. Issuer and audiences are enforced only
// when configured. AllowedAlgs is restricted to the HMAC family.
func NewHMAC(cfg *Config, secret []byte) (*hmacAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(secret) < MinSecretLen {
		return nil, errors.New("shared secret too short")
	}
	algs := make([]string, 0, len(hmacAlgs))
	for _, a := range cfg.AllowedAlgs {
		for _, h := range hmacAlgs {
			if a == h {
				algs = append(algs, a)
			}
		}
	}
	if len(algs) == 0 {
		algs = []string{"HS256"}
	}
	cfg.AllowedAlgs = algs
	cfg.normalize()

	key := append([]byte(nil), secret...)
	return &hmacAuthenticator{validator: newValidator(cfg, cfg.Issuer, func(*jwt.Token) (any, error) {
		return key, nil
	})}, nil
}

func (a *hmacAuthenticator) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	return a.check(tok)
}

var _ Authenticator = (*hmacAuthenticator)(nil)
