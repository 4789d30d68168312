package auth

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Challenge describes an HTTP authentication failure: the status to return
// and the RFC 6750 error parameters for the WWW-Authenticate header.
type Challenge struct {
	Status      int
	Error       string
	Description string
	Scope       string
}

// MissingCredentials is the bare challenge for requests without an
// Authorization header. RFC 6750 §3.1 says no error code is included.
func MissingCredentials() Challenge {
	return Challenge{Status: http.StatusUnauthorized}
}

// InvalidRequest is the challenge for a malformed Authorization header.
func InvalidRequest(desc string) Challenge {
	return Challenge{Status: http.StatusBadRequest, Error: "invalid_request", Description: desc}
}

// ChallengeFor maps an Authenticator error onto a challenge. ok is false for
// errors that are not authentication outcomes and should surface as 500.
func ChallengeFor(err error) (c Challenge, ok bool) {
	switch {
	case errors.Is(err, ErrInsufficientScope):
		return Challenge{Status: http.StatusForbidden, Error: "insufficient_scope", Description: err.Error()}, true
	case errors.Is(err, ErrUnauthorized):
		return Challenge{Status: http.StatusUnauthorized, Error: "invalid_token", Description: err.Error()}, true
	}
	return Challenge{}, false
}

// Header renders the WWW-Authenticate value:
//
//	Bearer realm="<realm>", error="...", error_description="...", scope="..."
//
// Empty attributes are omitted.
func (c Challenge) Header(realm string) string {
	return BearerChallenge(realm, map[string]string{
		"error":             c.Error,
		"error_description": c.Description,
		"scope":             c.Scope,
	})
}

// BearerChallenge builds a Bearer challenge header value. The realm comes
// first, then error, error_description and scope, then any remaining params
// in key order. Empty values are skipped.
func BearerChallenge(realm string, params map[string]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", " ")
	pieces := make([]string, 0, 1+len(params))
	add := func(k, v string) {
		if v != "" {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc.Replace(v)))
		}
	}
	add("realm", realm)
	ordered := []string{"error", "error_description", "scope"}
	for _, k := range ordered {
		add(k, params[k])
	}
	rest := make([]string, 0, len(params))
	for k := range params {
		if k != "error" && k != "error_description" && k != "scope" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		add(k, params[k])
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
