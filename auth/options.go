package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/tokenauth/internal/trust"
	"github.com/ggoodman/tokenauth/storage"
	"github.com/golang-jwt/jwt/v5"
)

// Defaults applied by Options.WithDefaults.
const (
	DefaultNameClaimType                 = "name"
	DefaultRoleClaimType                 = "role"
	DefaultValidationResultCacheDuration = 5 * time.Minute
	DefaultClockSkew                     = 5 * time.Minute
	DefaultBackchannelTimeout            = 60 * time.Second
	DefaultResultCacheSize               = 10_000
)

// DefaultSigningAlgorithms are accepted for local validation unless
// Options.AllowedSigningAlgorithms says otherwise.
var DefaultSigningAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// ValidationMode selects how tokens are validated. The zero value is
// ValidationModeBoth.
type ValidationMode int

const (
	// ValidationModeBoth validates self-contained tokens locally and falls
	// back to the authority for everything else.
	ValidationModeBoth ValidationMode = iota
	// ValidationModeLocal only accepts self-contained JWTs.
	ValidationModeLocal
	// ValidationModeEndpoint always asks the authority.
	ValidationModeEndpoint
)

func (m ValidationMode) String() string {
	switch m {
	case ValidationModeBoth:
		return "both"
	case ValidationModeLocal:
		return "local"
	case ValidationModeEndpoint:
		return "endpoint"
	}
	return fmt.Sprintf("ValidationMode(%d)", int(m))
}

// ParseValidationMode parses "local", "endpoint" or "both".
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "both", "":
		return ValidationModeBoth, nil
	case "local":
		return ValidationModeLocal, nil
	case "endpoint":
		return ValidationModeEndpoint, nil
	}
	return 0, fmt.Errorf("%w: unknown validation mode %q", ErrConfiguration, s)
}

// KeyResolver selects the verification key for a parsed, not yet verified
// token. keys holds every key in the resolved trust material. It may return
// a single key or a jwt.VerificationKeySet.
type KeyResolver func(ctx context.Context, token *jwt.Token, keys []crypto.PublicKey) (any, error)

// RemoteKeyResolver returns a KeyResolver backed by a self-refreshing JWKS
// that matches keys by kid. Background refresh stops when ctx is done.
func RemoteKeyResolver(ctx context.Context, jwksURLs ...string) (KeyResolver, error) {
	r, err := trust.NewRemoteKeyResolver(ctx, jwksURLs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrustResolution, err)
	}
	return func(ctx context.Context, t *jwt.Token, _ []crypto.PublicKey) (any, error) {
		return r(ctx, t, nil)
	}, nil
}

// Introspector answers token introspection in-process instead of over
// HTTP. The returned map is handled like an RFC 7662 response body and must
// carry "active": true for the token to be accepted.
type Introspector interface {
	Introspect(ctx context.Context, token string) (map[string]any, error)
}

// IntrospectorFunc adapts a function to Introspector.
type IntrospectorFunc func(ctx context.Context, token string) (map[string]any, error)

func (f IntrospectorFunc) Introspect(ctx context.Context, token string) (map[string]any, error) {
	return f(ctx, token)
}

// Options configures bearer token authentication. A handler keeps its own
// copy, so changing Options after composition has no effect.
type Options struct {
	ValidationMode ValidationMode

	// Authority is the base URL of the token issuer. Discovery is read from
	// {Authority}/.well-known/openid-configuration.
	Authority string

	// IssuerName and SigningCertificate supply static trust material and
	// must be set together. When set they are used for local validation
	// even if Authority is also configured.
	IssuerName         string
	SigningCertificate *x509.Certificate

	// ApiName is the expected audience and the introspection client id.
	ApiName   string
	ApiSecret string

	// LegacyAudienceValidation expects the audience {issuer}/resources.
	LegacyAudienceValidation bool

	// DelayLoadMetadata defers trust material resolution to the first
	// request instead of composition time.
	DelayLoadMetadata bool

	EnableValidationResultCache   bool
	ValidationResultCacheDuration time.Duration
	// ResultCache stores remote validation results. A bounded in-memory
	// cache is used when nil.
	ResultCache storage.Storage

	// RequiredScopes are satisfied when the token carries any one of them.
	RequiredScopes []string

	NameClaimType string
	RoleClaimType string

	KeyResolver KeyResolver

	IntrospectionEndpoint string
	Introspector          Introspector

	// SaveToken stores the raw token in the request context.
	SaveToken bool

	TokenRetriever TokenRetriever

	AllowedSigningAlgorithms []string
	ClockSkew                time.Duration

	HTTPClient         *http.Client
	BackchannelTimeout time.Duration

	// AllowInsecureMetadata permits a non-https Authority.
	AllowInsecureMetadata bool

	Realm  string
	Logger *slog.Logger
}

// Copy returns a deep copy safe for mutation by the caller.
func (o Options) Copy() Options {
	dup := o
	dup.RequiredScopes = append([]string(nil), o.RequiredScopes...)
	dup.AllowedSigningAlgorithms = append([]string(nil), o.AllowedSigningAlgorithms...)
	return dup
}

// WithDefaults returns a copy of o with unset fields defaulted.
func (o Options) WithDefaults() Options {
	c := o.Copy()
	if c.ValidationResultCacheDuration == 0 {
		c.ValidationResultCacheDuration = DefaultValidationResultCacheDuration
	}
	if c.NameClaimType == "" {
		c.NameClaimType = DefaultNameClaimType
	}
	if c.RoleClaimType == "" {
		c.RoleClaimType = DefaultRoleClaimType
	}
	if c.TokenRetriever == nil {
		c.TokenRetriever = FromAuthorizationHeader
	}
	if len(c.AllowedSigningAlgorithms) == 0 {
		c.AllowedSigningAlgorithms = append([]string(nil), DefaultSigningAlgorithms...)
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.BackchannelTimeout == 0 {
		c.BackchannelTimeout = DefaultBackchannelTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// HasStaticTrust reports whether IssuerName or SigningCertificate is set.
func (o Options) HasStaticTrust() bool { return o.IssuerName != "" || o.SigningCertificate != nil }

// UsesIntrospection reports whether remote validation uses introspection
// rather than the validation endpoint.
func (o Options) UsesIntrospection() bool {
	return o.ApiName != "" || o.Introspector != nil || o.IntrospectionEndpoint != ""
}

// Validate reports the first configuration problem, wrapped in
// ErrConfiguration.
func (o Options) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	switch o.ValidationMode {
	case ValidationModeLocal, ValidationModeEndpoint, ValidationModeBoth:
	default:
		return fail("invalid validation mode %d", int(o.ValidationMode))
	}

	if o.HasStaticTrust() && (o.IssuerName == "" || o.SigningCertificate == nil) {
		return fail("issuer name and signing certificate must be configured together")
	}
	if o.Authority != "" {
		u, err := url.Parse(o.Authority)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fail("invalid authority %q", o.Authority)
		}
		if u.Scheme != "https" && !o.AllowInsecureMetadata {
			return fail("authority must use https unless AllowInsecureMetadata is set")
		}
	}

	local := o.HasStaticTrust() || o.Authority != ""
	remote := o.Authority != "" || o.IntrospectionEndpoint != "" || o.Introspector != nil
	if o.ValidationMode != ValidationModeEndpoint && !local {
		return fail("%s validation needs an authority or an issuer name with signing certificate", o.ValidationMode)
	}
	if o.ValidationMode != ValidationModeLocal && !remote {
		return fail("%s validation needs an authority, an introspection endpoint or an introspector", o.ValidationMode)
	}

	if o.ApiSecret != "" && o.ApiName == "" {
		return fail("api secret requires an api name")
	}
	if o.ValidationResultCacheDuration < 0 {
		return fail("validation result cache duration must not be negative")
	}
	if o.ClockSkew < 0 {
		return fail("clock skew must not be negative")
	}
	if o.BackchannelTimeout < 0 {
		return fail("backchannel timeout must not be negative")
	}
	for _, a := range o.AllowedSigningAlgorithms {
		if strings.EqualFold(a, "none") {
			return fail("signing algorithm none is not allowed")
		}
	}
	for _, s := range o.RequiredScopes {
		if strings.TrimSpace(s) == "" {
			return fail("required scopes must not be empty")
		}
	}
	return nil
}
