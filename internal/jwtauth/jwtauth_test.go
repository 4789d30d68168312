package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set issuer lazily to current server URL
		if m.issuer == "" {
			m.issuer = m.srv.URL
		}
		handler.ServeHTTP(w, r)
	}))
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func TestAuthenticator_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://notify.example.com/events"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   oidc.issuer,
		"sub":   "user-123",
		"sid":   "sess-1",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"perms": []string{"admin", "staff"},
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}
	if ui.SessionID() != "sess-1" {
		t.Fatalf("want sid sess-1, got %s", ui.SessionID())
	}
	if got := ui.Permissions(); len(got) != 2 || got[0] != "admin" || got[1] != "staff" {
		t.Fatalf("unexpected permissions: %v", got)
	}

	var out struct {
		Sid string `json:"sid"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Sid != "sess-1" {
		t.Fatalf("claims roundtrip mismatch: %q", out.Sid)
	}
}

func TestAuthenticator_ScopeFallback(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://notify.example.com/events"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signToken(t, pk, kid, "at+jwt", jwt.MapClaims{
		"iss":   oidc.issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"scope": "grades:read staff",
	})
	ui, err := a.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got := ui.Permissions(); len(got) != 2 || got[1] != "staff" {
		t.Fatalf("unexpected permissions: %v", got)
	}
	if ui.SessionID() != "" {
		t.Fatalf("want empty sid, got %q", ui.SessionID())
	}
}

func TestAuthenticator_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer oidc.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, "aud")); err == nil {
		t.Fatalf("expected error due to missing jwks_uri")
	}
}

func TestAuthenticator_AudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://notify.example.com/events"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"aud": []string{"https://other", aud},
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestAuthenticator_AdditionalAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	primary := "https://notify.example.com/events"
	extra := "http://localhost:8080/events"
	cfg := baseConfig(oidc.issuer, primary)
	cfg.ExpectedAudiences = []string{primary, extra}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"aud": extra,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check (extra audience) failed: %v", err)
	}

	claims["aud"] = "https://unknown"
	tok2 := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestAuthenticator_InsufficientPermissions(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://notify.example.com/events"
	cfg := baseConfig(oidc.issuer, aud)
	cfg.RequiredPermissions = []string{"notify:listen", "admin"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   oidc.issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"perms": []string{"notify:listen"},
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	_, err = a.CheckAuthentication(ctx, tok)
	if !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	cfg.PermissionModeAny = true
	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("any-mode check: %v", err)
	}
}

func TestAuthenticator_InvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://notify.example.com/events"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "JWT", claims)

	_, err = a.CheckAuthentication(ctx, tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticator_IssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://notify.example.com/events"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	_, err = a.CheckAuthentication(ctx, tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestStatic_HappyPathAndExpiry(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	srv := newMockOIDC(t, jwks, nil)
	defer srv.Close()

	cfg := &Config{Issuer: "https://issuer.example.com", ExpectedAudiences: []string{"notify"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, cfg, srv.issuer+srv.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "https://issuer.example.com",
		"sub": "user-9",
		"sid": "sess-9",
		"aud": "notify",
		"exp": now.Add(time.Hour).Unix(),
	}
	ui, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "", claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.SessionID() != "sess-9" {
		t.Fatalf("want sid sess-9, got %q", ui.SessionID())
	}

	claims["exp"] = now.Add(-time.Hour).Unix()
	if _, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for expired token, got %v", err)
	}
}

func TestStatic_RequiresConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewStatic(ctx, nil, "http://x"); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewStatic(ctx, &Config{Issuer: "i"}, "http://x"); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	if _, err := NewStatic(ctx, &Config{Issuer: "i", ExpectedAudiences: []string{"a"}}, ""); err == nil {
		t.Fatalf("expected error for missing jwks uri")
	}
}

func signHMAC(t *testing.T, method jwt.SigningMethod, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestHMAC_Validation(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewHMAC(&Config{Issuer: "lms", ExpectedAudiences: []string{"notify"}}, secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   "lms",
		"sub":   "u1",
		"sid":   "s1",
		"aud":   "notify",
		"exp":   now.Add(time.Minute).Unix(),
		"perms": []any{"teacher"},
	}

	ui, err := a.CheckAuthentication(ctx, signHMAC(t, jwt.SigningMethodHS256, secret, claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "u1" || ui.SessionID() != "s1" {
		t.Fatalf("unexpected identity: %s/%s", ui.UserID(), ui.SessionID())
	}
	if p := ui.Permissions(); len(p) != 1 || p[0] != "teacher" {
		t.Fatalf("unexpected permissions: %v", p)
	}

	wrong := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := a.CheckAuthentication(ctx, signHMAC(t, jwt.SigningMethodHS256, wrong, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for wrong secret, got %v", err)
	}

	if _, err := a.CheckAuthentication(ctx, signHMAC(t, jwt.SigningMethodHS512, secret, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for disallowed alg, got %v", err)
	}

	delete(claims, "sub")
	if _, err := a.CheckAuthentication(ctx, signHMAC(t, jwt.SigningMethodHS256, secret, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for missing sub, got %v", err)
	}

	if _, err := a.CheckAuthentication(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for empty token, got %v", err)
	}
}

func TestHMAC_RejectsShortSecret(t *testing.T) {
	if _, err := NewHMAC(&Config{}, []byte("short")); err == nil {
		t.Fatalf("expected error for short secret")
	}
}
