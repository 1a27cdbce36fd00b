// Package trust resolves the material needed to validate self-contained
// access tokens: the expected issuer, the audience policy and the signing
// keys. Material comes either from static configuration (issuer name plus
// signing certificate) or from OpenID Connect discovery, is computed at most
// once per Resolver and is immutable after publication.
package trust

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/tokenauth/internal/lazy"
)

// ErrMisconfigured indicates that neither usable static material nor an
// authority has been configured.
var ErrMisconfigured = errors.New("trust: misconfigured")

// ErrResolution indicates that trust material could not be resolved, for
// instance because the discovery document or key set was unreachable.
var ErrResolution = errors.New("trust: resolution failed")

// Material is the resolved trust material. It is shared by all requests
// and must not be modified after publication.
type Material struct {
	Issuer           string
	Audience         string
	ValidateAudience bool
	Keys             []crypto.PublicKey

	// Discovery-only fields; empty for static material.
	JWKSURI               string
	IntrospectionEndpoint string
}

// Config describes where trust material comes from.
type Config struct {
	Authority                string
	IssuerName               string
	SigningCertificate       *x509.Certificate
	ApiName                  string
	LegacyAudienceValidation bool
	AllowInsecureMetadata    bool
	HTTPClient               *http.Client
	Timeout                  time.Duration
	Logger                   *slog.Logger
}

// Static reports whether cfg carries static trust material.
func (c Config) Static() bool { return c.IssuerName != "" || c.SigningCertificate != nil }

// Validate checks that cfg names exactly one usable source of trust
// material. When both static material and an authority are set, static
// material is used for token validation.
func (c Config) Validate() error {
	if c.Static() {
		if c.IssuerName == "" || c.SigningCertificate == nil {
			return fmt.Errorf("%w: issuer name and signing certificate must be configured together", ErrMisconfigured)
		}
		return nil
	}
	if c.Authority == "" {
		return fmt.Errorf("%w: either an authority or an issuer name with signing certificate is required", ErrMisconfigured)
	}
	u, err := url.Parse(c.Authority)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid authority %q", ErrMisconfigured, c.Authority)
	}
	if u.Scheme != "https" && !c.AllowInsecureMetadata {
		return fmt.Errorf("%w: authority must use https", ErrMisconfigured)
	}
	return nil
}

// Resolver lazily computes and caches Material.
type Resolver struct {
	cfg  Config
	log  *slog.Logger
	cell *lazy.Value[Material]
}

// NewResolver validates cfg and returns a Resolver. No I/O happens here.
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Resolver{cfg: cfg, log: cfg.Logger}
	if cfg.Static() {
		r.cell = lazy.New(r.fromStatic)
	} else {
		r.cell = lazy.New(r.fromDiscovery)
	}
	return r, nil
}

// Resolve returns the published material, computing it on first use.
// Concurrent first calls may each perform the computation; one result is
// published. Failures are returned and retried on the next call.
func (r *Resolver) Resolve(ctx context.Context) (*Material, error) {
	return r.cell.Get(ctx)
}

// Resolved reports whether material has been published.
func (r *Resolver) Resolved() bool { return r.cell.Loaded() }

func (r *Resolver) fromStatic(ctx context.Context) (*Material, error) {
	d := DecideAudience(AudienceInput{
		ApiName: r.cfg.ApiName,
		Legacy:  r.cfg.LegacyAudienceValidation,
		Issuer:  r.cfg.IssuerName,
	})
	m := &Material{
		Issuer:           r.cfg.IssuerName,
		Audience:         d.Audience,
		ValidateAudience: d.Validate,
		Keys:             []crypto.PublicKey{r.cfg.SigningCertificate.PublicKey},
	}
	r.log.DebugContext(ctx, "trust.resolve.static", slog.String("issuer", m.Issuer), slog.String("audience_rule", d.Rule))
	return m, nil
}

func (r *Resolver) fromDiscovery(ctx context.Context) (*Material, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	doc, err := FetchDiscovery(ctx, r.cfg.HTTPClient, r.cfg.Authority)
	if err != nil {
		r.log.WarnContext(ctx, "trust.resolve.fail", slog.String("authority", r.cfg.Authority), slog.String("err", err.Error()))
		return nil, err
	}
	keys, err := FetchKeys(ctx, r.cfg.HTTPClient, doc.JWKSURI)
	if err != nil {
		r.log.WarnContext(ctx, "trust.resolve.fail", slog.String("jwks_uri", doc.JWKSURI), slog.String("err", err.Error()))
		return nil, err
	}
	d := DecideAudience(AudienceInput{
		ApiName:          r.cfg.ApiName,
		Legacy:           r.cfg.LegacyAudienceValidation,
		Issuer:           doc.Issuer,
		DocumentAudience: doc.Audience,
	})
	m := &Material{
		Issuer:                doc.Issuer,
		Audience:              d.Audience,
		ValidateAudience:      d.Validate,
		Keys:                  keys,
		JWKSURI:               doc.JWKSURI,
		IntrospectionEndpoint: doc.IntrospectionEndpoint,
	}
	r.log.InfoContext(ctx, "trust.resolve.ok",
		slog.String("issuer", m.Issuer),
		slog.Int("keys", len(m.Keys)),
		slog.String("audience_rule", d.Rule),
	)
	return m, nil
}

// NormalizeAuthority returns authority with exactly one trailing slash.
func NormalizeAuthority(authority string) string {
	return strings.TrimRight(authority, "/") + "/"
}
