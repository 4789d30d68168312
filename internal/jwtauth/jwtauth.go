package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionClaim names the claim carrying the session id a token was
	// issued for.
	DefaultSessionClaim = "sid"
	// DefaultPermissionsClaim names the array claim carrying permission
	// strings. When absent, the space-delimited "scope" claim is used.
	DefaultPermissionsClaim = "perms"
)

// Config controls validation behavior for access tokens. It is shared by the
// discovery, static JWKS and shared-secret authenticators.
type Config struct {
	Issuer string
	// ExpectedAudiences lists the accepted audiences; a token must carry at
	// least one of them. Empty disables the audience check.
	ExpectedAudiences []string
	// RequiredPermissions must be present in the token's permission set.
	RequiredPermissions []string
	PermissionModeAny   bool // if true, any of RequiredPermissions is sufficient; else all are required
	AllowedAlgs         []string
	// AllowedTypes restricts the JOSE "typ" header. Empty disables the check.
	AllowedTypes     []string
	Leeway           time.Duration
	SessionClaim     string
	PermissionsClaim string
}

// DefaultConfig returns a Config with safe defaults for RFC 9068 access
// tokens signed by an authorization server.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:      []string{"RS256"},
		AllowedTypes:     []string{"at+jwt", "application/at+jwt"},
		Leeway:           60 * time.Second,
		SessionClaim:     DefaultSessionClaim,
		PermissionsClaim: DefaultPermissionsClaim,
	}
}

func (c *Config) normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.SessionClaim == "" {
		c.SessionClaim = DefaultSessionClaim
	}
	if c.PermissionsClaim == "" {
		c.PermissionsClaim = DefaultPermissionsClaim
	}
}

// UserInfo is the internal identity carrier for validated tokens.
type UserInfo interface {
	UserID() string
	SessionID() string
	Permissions() []string
	Claims(ref any) error
}

type userInfo struct {
	sub         string
	sid         string
	permissions []string
	claims      map[string]any
}

func (u *userInfo) UserID() string        { return u.sub }
func (u *userInfo) SessionID() string     { return u.sid }
func (u *userInfo) Permissions() []string { return slices.Clone(u.permissions) }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens and returns the identity they carry.
// Implementations MUST perform signature, issuer, audience and time
// validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not carry the
// required permissions; callers should respond with HTTP 403 where relevant.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// validator holds the parser and claim policy common to every authenticator.
type validator struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

func newValidator(cfg *Config, issuer string, kf jwt.Keyfunc) *validator {
	return &validator{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
		now: time.Now,
	}
}

func (v *validator) check(tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if len(v.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(v.cfg.ExpectedAudiences[0]))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if len(v.cfg.AllowedTypes) > 0 {
		typ, _ := parsed.Header["typ"].(string)
		if !slices.Contains(v.cfg.AllowedTypes, typ) {
			return nil, fmt.Errorf("%w: invalid typ %q", ErrUnauthorized, typ)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	if len(v.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(v.now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	perms := permissionsFrom(claims, v.cfg.PermissionsClaim)
	if !v.permitted(perms) {
		return nil, ErrInsufficientScope
	}

	sid, _ := claims[v.cfg.SessionClaim].(string)
	return &userInfo{sub: sub, sid: sid, permissions: perms, claims: claims}, nil
}

func (v *validator) permitted(have []string) bool {
	if len(v.cfg.RequiredPermissions) == 0 {
		return true
	}
	if v.cfg.PermissionModeAny {
		for _, want := range v.cfg.RequiredPermissions {
			if slices.Contains(have, want) {
				return true
			}
		}
		return false
	}
	for _, want := range v.cfg.RequiredPermissions {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

// permissionsFrom reads the named array claim, falling back to the
// space-delimited "scope" claim.
func permissionsFrom(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return slices.Clone(v)
	case string:
		return strings.Fields(v)
	}
	scope, _ := claims["scope"].(string)
	return strings.Fields(scope)
}

type discoveryAuthenticator struct {
	*validator
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer, and
// constructs an Authenticator that validates access tokens using the
// configured policies in Config. JWKS keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*discoveryAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	cfg.normalize()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &discoveryAuthenticator{validator: newValidator(cfg, meta.Issuer, kf.Keyfunc)}, nil
}

func (a *discoveryAuthenticator) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	return a.check(tok)
}

var _ Authenticator = (*discoveryAuthenticator)(nil)
