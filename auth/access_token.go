package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/notifycast/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of token validation
// (permissions, algorithms, leeway, claim names).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredPermissions requires all of the provided permissions to be
// present in the token.
func WithRequiredPermissions(perms ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredPermissions = append([]string(nil), perms...)
		c.PermissionModeAny = false
	}
}

// WithAnyRequiredPermission requires at least one of the provided permissions.
func WithAnyRequiredPermission(perms ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredPermissions = append([]string(nil), perms...)
		c.PermissionModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for any of auds in addition
// to the primary audience.
func WithAdditionalAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.ExpectedAudiences = append(c.ExpectedAudiences, auds...) }
}

// WithSessionClaim changes the claim holding the session id (default "sid").
func WithSessionClaim(name string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.SessionClaim = name }
}

// WithPermissionsClaim changes the array claim holding permissions
// (default "perms").
func WithPermissionsClaim(name string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.PermissionsClaim = name }
}

// WithIssuer requires the "iss" claim of shared-secret tokens.
func WithIssuer(iss string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Issuer = iss }
}

// WithAudience requires the "aud" claim of shared-secret tokens.
func WithAudience(aud string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.ExpectedAudiences = append(c.ExpectedAudiences, aud) }
}

func buildConfig(base *jwtauth.Config, opts []AccessTokenAuthOption) *jwtauth.Config {
	for _, opt := range opts {
		opt(base)
	}
	return base
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens discovered via OpenID Connect discovery (jwks_uri, issuer).
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the public stream URL
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	internal, err := jwtauth.NewFromDiscovery(ctx, buildConfig(cfg, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewFromJWKS returns an Authenticator that verifies JWT access tokens
// against a fixed issuer and JWKS endpoint without discovery. The RFC 9068
// "typ" header is not enforced.
func NewFromJWKS(ctx context.Context, issuer, audience, jwksURI string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	cfg.AllowedTypes = nil
	internal, err := jwtauth.NewStatic(ctx, buildConfig(cfg, opts), jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewSharedSecret returns an Authenticator for HMAC-signed tokens minted by a
// trusted backend. Use WithIssuer and WithAudience to pin those claims.
func NewSharedSecret(secret []byte, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.AllowedAlgs = []string{"HS256"}
	cfg.AllowedTypes = nil
	internal, err := jwtauth.NewHMAC(buildConfig(cfg, opts), secret)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
