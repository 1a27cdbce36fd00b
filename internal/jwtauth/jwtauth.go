// Package jwtauth validates self-contained JWT access tokens against
// resolved trust material: signature, issuer, audience (when the trust
// material asks for it) and the temporal claims.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/tokenauth/internal/trust"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAlgs lists the asymmetric JWS algorithms accepted by default.
// "none" and HMAC algorithms are never accepted by default.
var DefaultAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// ErrUnauthorized indicates that the access token failed validation
// (signature, issuer, audience, exp/nbf, or malformed input).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrTrustUnavailable indicates that trust material could not be resolved,
// so the token could not be checked at all.
var ErrTrustUnavailable = errors.New("jwtauth: trust material unavailable")

// Config controls local validation.
type Config struct {
	AllowedAlgs []string
	Leeway      time.Duration
	// KeyResolver overrides trust.AllKeys.
	KeyResolver trust.KeyResolver
	Logger      *slog.Logger
}

// DefaultConfig returns a Config with safe defaults for algorithms and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: append([]string(nil), DefaultAlgs...),
		Leeway:      5 * time.Minute,
	}
}

// Validator verifies tokens locally. It is safe for concurrent use.
type Validator struct {
	cfg      Config
	resolver *trust.Resolver
	resolve  trust.KeyResolver
	log      *slog.Logger
}

// New returns a Validator that obtains trust material from resolver.
func New(cfg *Config, resolver *trust.Resolver) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if resolver == nil {
		return nil, errors.New("trust resolver is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = append([]string(nil), DefaultAlgs...)
	}
	for _, a := range c.AllowedAlgs {
		if a == "none" {
			return nil, errors.New("alg none is not allowed")
		}
	}
	v := &Validator{cfg: c, resolver: resolver, resolve: c.KeyResolver, log: c.Logger}
	if v.resolve == nil {
		v.resolve = trust.AllKeys
	}
	if v.log == nil {
		v.log = slog.New(slog.DiscardHandler)
	}
	return v, nil
}

// Validate verifies tok and returns its claims.
func (v *Validator) Validate(ctx context.Context, tok string) (jwt.MapClaims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	m, err := v.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrustUnavailable, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if m.ValidateAudience {
		opts = append(opts, jwt.WithAudience(m.Audience))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, func(t *jwt.Token) (any, error) {
		return v.resolve(ctx, t, m)
	})
	if err != nil {
		v.log.DebugContext(ctx, "jwtauth.validate.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	return claims, nil
}
