// Package auth provides bearer token authentication for the notification
// stream endpoint.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo carrying the user id, the session id the token was issued for
// ("sid" claim) and the permission set ("perms" array claim, falling back to
// the space-delimited "scope" claim). The transport extracts the token from
// the request and maps sentinel errors into challenges via ChallengeFor.
//
// # Authenticators
//
// NewFromDiscovery validates RFC 9068 access tokens using OpenID Connect
// discovery to obtain the issuer's JWKS. NewFromJWKS skips discovery and uses
// a fixed JWKS URI. NewSharedSecret validates HMAC tokens minted by a trusted
// backend that shares a secret with this process.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://notify.example/events",
//	    auth.WithRequiredPermissions("notify:listen"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 invalid_token */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 insufficient_scope */ }
//	sid := ui.SessionID()
//
// # Algorithms & Clock Skew
//
// JWKS authenticators accept only RS256 by default; shared-secret
// authenticators accept HS256. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating exp/iat/nbf.
package auth
