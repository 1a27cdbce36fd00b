package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// OutcomeKind discriminates the Outcome variants.
type OutcomeKind int

const (
	// KindUnauthenticated is the zero kind so that an unset Outcome never
	// grants access.
	KindUnauthenticated OutcomeKind = iota
	KindSuccess
	KindForbidden
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindForbidden:
		return "forbidden"
	}
	return "unauthenticated"
}

// Outcome is the result of authenticating one request: Success with a
// Principal, Unauthenticated or Forbidden with the cause.
type Outcome struct {
	kind      OutcomeKind
	principal *Principal
	err       error
}

// Success builds a successful Outcome.
func Success(p *Principal) Outcome { return Outcome{kind: KindSuccess, principal: p} }

// Unauthenticated builds an Outcome for a missing or invalid token. A nil
// err means no token was presented.
func Unauthenticated(err error) Outcome { return Outcome{kind: KindUnauthenticated, err: err} }

// Forbidden builds an Outcome for an authenticated caller that lacks
// permission.
func Forbidden(p *Principal, err error) Outcome {
	return Outcome{kind: KindForbidden, principal: p, err: err}
}

// Kind returns the variant.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// OK reports whether the Outcome is a Success.
func (o Outcome) OK() bool { return o.kind == KindSuccess }

// Principal returns the authenticated principal for Success and Forbidden
// outcomes, nil otherwise.
func (o Outcome) Principal() *Principal { return o.principal }

// Err returns the failure cause. It is nil for Success and for a request
// that carried no token.
func (o Outcome) Err() error { return o.err }

// Status maps the Outcome to an HTTP status code.
func (o Outcome) Status() int {
	switch o.kind {
	case KindSuccess:
		return http.StatusOK
	case KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// InvalidTokenDescription is the fixed error_description sent for rejected
// tokens; the actual cause is only logged.
const InvalidTokenDescription = "The access token is invalid"

// NewAuthenticationRequired builds the challenge for a request without a token.
func NewAuthenticationRequired(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: bearer(realm),
	}
}

// NewInvalidTokenChallenge builds the challenge for a rejected token.
func NewInvalidTokenChallenge(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status: http.StatusUnauthorized,
		WWWAuthenticate: bearer(realm,
			param{"error", "invalid_token"},
			param{"error_description", InvalidTokenDescription},
		),
	}
}

// NewInsufficientScopeChallenge builds the challenge for a caller missing
// every required scope.
func NewInsufficientScopeChallenge(realm string, scopes []string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status: http.StatusForbidden,
		WWWAuthenticate: bearer(realm,
			param{"error", "insufficient_scope"},
			param{"scope", strings.Join(scopes, " ")},
		),
	}
}

// Challenge returns the HTTP challenge for a failed Outcome, or nil on Success.
func (o Outcome) Challenge(realm string, requiredScopes []string) *AuthenticationChallenge {
	switch {
	case o.kind == KindSuccess:
		return nil
	case o.kind == KindForbidden:
		return NewInsufficientScopeChallenge(realm, requiredScopes)
	case o.err == nil:
		return NewAuthenticationRequired(realm)
	}
	return NewInvalidTokenChallenge(realm)
}

type param struct{ key, value string }

// bearer renders an RFC 6750 section 3 challenge.
func bearer(realm string, params ...param) string {
	if realm != "" {
		params = append([]param{{"realm", realm}}, params...)
	}
	if len(params) == 0 {
		return "Bearer"
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%s=%s", p.key, quote(p.value))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
