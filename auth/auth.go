package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrConfiguration indicates invalid Options. It is only ever returned while
// composing the pipeline, never per request.
var ErrConfiguration = errors.New("invalid authentication configuration")

// ErrTrustResolution indicates that discovery or key retrieval failed.
var ErrTrustResolution = errors.New("trust material resolution failed")

// ErrTokenValidation indicates that a token was checked and rejected.
var ErrTokenValidation = errors.New("token validation failed")

// ErrRemoteCall indicates that the authority could not be reached or
// answered with an unusable response.
var ErrRemoteCall = errors.New("remote validation call failed")

// Authenticator validates a bearer token and reports the outcome. Per-request
// failures are carried in the Outcome, never returned as errors.
type Authenticator interface {
	Authenticate(ctx context.Context, tok string) Outcome
}

// Source identifies which validation path accepted a token.
type Source string

const (
	SourceJWT                Source = "jwt"
	SourceIntrospection      Source = "introspection"
	SourceValidationEndpoint Source = "validation_endpoint"
)

// Principal is an authenticated caller. It is immutable once built and safe
// for concurrent use.
type Principal struct {
	subject  string
	claims   map[string]any
	nameType string
	roleType string
	source   Source
}

// NewPrincipal builds a Principal from a validated claims set. The values of
// the configured name and role claims are also exposed under "name" and
// "role". Empty claim type names fall back to DefaultNameClaimType and
// DefaultRoleClaimType.
func NewPrincipal(claims map[string]any, source Source, nameClaimType, roleClaimType string) *Principal {
	if nameClaimType == "" {
		nameClaimType = DefaultNameClaimType
	}
	if roleClaimType == "" {
		roleClaimType = DefaultRoleClaimType
	}
	cp := make(map[string]any, len(claims))
	for k, v := range claims {
		cp[k] = v
	}
	if v, ok := claims[nameClaimType]; ok {
		cp[DefaultNameClaimType] = v
	}
	if v, ok := claims[roleClaimType]; ok {
		cp[DefaultRoleClaimType] = v
	}
	sub, _ := cp["sub"].(string)
	return &Principal{subject: sub, claims: cp, nameType: nameClaimType, roleType: roleClaimType, source: source}
}

// Subject returns the "sub" claim.
func (p *Principal) Subject() string { return p.subject }

// Source reports which validation path accepted the token.
func (p *Principal) Source() Source { return p.source }

// Name returns the value of the configured name claim, or the subject when
// that claim is absent.
func (p *Principal) Name() string {
	if s, ok := p.claims[p.nameType].(string); ok && s != "" {
		return s
	}
	return p.subject
}

// Roles returns the values of the configured role claim.
func (p *Principal) Roles() []string { return stringValues(p.claims[p.roleType], false) }

// Scopes returns the granted scopes. Both the space-delimited "scope" string
// of RFC 9068 and a JSON array of scope values are understood.
func (p *Principal) Scopes() []string { return stringValues(p.claims["scope"], true) }

// Claim returns a single claim.
func (p *Principal) Claim(name string) (any, bool) {
	v, ok := p.claims[name]
	return v, ok
}

// Claims returns a copy of every claim.
func (p *Principal) Claims() map[string]any {
	cp := make(map[string]any, len(p.claims))
	for k, v := range p.claims {
		cp[k] = v
	}
	return cp
}

// HasAnyScope reports whether p holds at least one of scopes. An empty
// scopes list is always satisfied.
func (p *Principal) HasAnyScope(scopes ...string) bool {
	return HasAnyScope(p.Scopes(), scopes)
}

// HasAnyScope reports whether granted contains at least one of required.
// An empty required list is always satisfied.
func HasAnyScope(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; ok {
			return true
		}
	}
	return false
}

func stringValues(v any, splitSpaces bool) []string {
	switch t := v.(type) {
	case string:
		if splitSpaces {
			return strings.Fields(t)
		}
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
