// Package remote validates access tokens by asking the authority: either
// through OAuth 2.0 token introspection (RFC 7662) or through an
// access-token validation endpoint. Successful results can be cached in a
// storage.Storage keyed by a digest of the token.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/tokenauth/internal/lazy"
	"github.com/ggoodman/tokenauth/internal/trust"
	"github.com/ggoodman/tokenauth/storage"
)

// Default endpoint paths relative to the normalized authority.
const (
	DefaultIntrospectionPath = "connect/introspect"
	DefaultValidationPath    = "connect/accesstokenvalidation"
)

const maxResponseBytes = 1 << 20

// Bounds for exp, in seconds since the epoch: 0001-01-01 to 9999-12-31.
const (
	minExpSeconds = -62135596800
	maxExpSeconds = 253402300799
)

// ErrUnauthorized indicates the authority rejected the token.
var ErrUnauthorized = errors.New("remote: unauthorized")

// ErrRemoteCall indicates the authority could not be asked, or answered
// with something other than a usable verdict.
var ErrRemoteCall = errors.New("remote: call failed")

// ErrMisconfigured is returned by New.
var ErrMisconfigured = errors.New("remote: misconfigured")

// Mode selects how the authority is asked.
type Mode int

const (
	// ModeIntrospection posts the token to an RFC 7662 endpoint.
	ModeIntrospection Mode = iota + 1
	// ModeValidationEndpoint posts the token to the authority's access
	// token validation endpoint.
	ModeValidationEndpoint
)

func (m Mode) String() string {
	switch m {
	case ModeIntrospection:
		return "introspection"
	case ModeValidationEndpoint:
		return "validation_endpoint"
	}
	return "unknown"
}

// Introspector answers an introspection request in-process. The returned
// map is treated exactly like an introspection response body: it must carry
// "active": true for the token to be accepted.
type Introspector interface {
	Introspect(ctx context.Context, token string) (map[string]any, error)
}

// Config configures a Validator.
type Config struct {
	Mode      Mode
	Authority string

	// Endpoint overrides endpoint discovery.
	Endpoint string
	// Introspector replaces the HTTP call in introspection mode.
	Introspector Introspector

	// ClientID and ClientSecret authenticate introspection calls with HTTP
	// basic auth when ClientSecret is set.
	ClientID     string
	ClientSecret string

	HTTPClient *http.Client
	Timeout    time.Duration

	// Cache enables result caching when non-nil.
	Cache         storage.Storage
	CacheDuration time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Validator performs remote validation. It is safe for concurrent use.
type Validator struct {
	cfg      Config
	log      *slog.Logger
	endpoint *lazy.Value[string]
}

var jsonMediaType = contenttype.NewMediaType("application/json")

// New returns a Validator. No I/O happens here; in introspection mode
// without an explicit endpoint, discovery is consulted on first use.
func New(cfg Config) (*Validator, error) {
	switch cfg.Mode {
	case ModeIntrospection:
		if cfg.Introspector == nil && cfg.Endpoint == "" && cfg.Authority == "" {
			return nil, fmt.Errorf("%w: introspection needs an authority, an endpoint or an introspector", ErrMisconfigured)
		}
	case ModeValidationEndpoint:
		if cfg.Endpoint == "" && cfg.Authority == "" {
			return nil, fmt.Errorf("%w: validation endpoint needs an authority", ErrMisconfigured)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrMisconfigured, cfg.Mode)
	}
	if cfg.Cache != nil && cfg.CacheDuration <= 0 {
		return nil, fmt.Errorf("%w: cache duration must be positive", ErrMisconfigured)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &Validator{cfg: cfg, log: cfg.Logger}
	switch {
	case cfg.Endpoint != "":
		ep := cfg.Endpoint
		v.endpoint = lazy.Of(&ep)
	case cfg.Mode == ModeValidationEndpoint:
		ep := trust.NormalizeAuthority(cfg.Authority) + DefaultValidationPath
		v.endpoint = lazy.Of(&ep)
	case cfg.Authority != "":
		v.endpoint = lazy.New(v.discoverIntrospectionEndpoint)
	}
	return v, nil
}

// Mode reports the configured mode.
func (v *Validator) Mode() Mode { return v.cfg.Mode }

// Digest returns the cache key for tok: the hex SHA-256 of the token, so
// raw tokens never reach the cache backend.
func Digest(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	Claims    map[string]any `json:"claims"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Validate asks the authority about tok and returns its claims.
func (v *Validator) Validate(ctx context.Context, tok string) (map[string]any, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	var key string
	if v.cfg.Cache != nil {
		key = Digest(tok)
		if claims, ok := v.lookup(ctx, key); ok {
			v.log.DebugContext(ctx, "remote.cache.hit")
			return claims, nil
		}
		v.log.DebugContext(ctx, "remote.cache.miss")
	}

	claims, err := v.call(ctx, tok)
	if err != nil {
		return nil, err
	}
	now := v.cfg.Now()
	exp, hasExp, err := expiry(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if hasExp && !now.Before(exp) {
		return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	if v.cfg.Cache != nil {
		v.store(ctx, key, claims, now, exp, hasExp)
	}
	return claims, nil
}

func (v *Validator) lookup(ctx context.Context, key string) (map[string]any, bool) {
	item, err := v.cfg.Cache.Get(ctx, key)
	if err != nil {
		v.log.WarnContext(ctx, "remote.cache.get.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if item == nil {
		return nil, false
	}
	// Numbers decode as json.Number, as on the call path, so a hit yields
	// the same claim values as the miss that stored them.
	var e cacheEntry
	dec := json.NewDecoder(bytes.NewReader(item.Data))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		v.log.WarnContext(ctx, "remote.cache.decode.fail", slog.String("err", err.Error()))
		_ = v.cfg.Cache.Delete(ctx, key)
		return nil, false
	}
	if !v.cfg.Now().Before(e.ExpiresAt) {
		_ = v.cfg.Cache.Delete(ctx, key)
		return nil, false
	}
	return e.Claims, true
}

func (v *Validator) store(ctx context.Context, key string, claims map[string]any, now, exp time.Time, hasExp bool) {
	ttl := v.cfg.CacheDuration
	if hasExp {
		if left := exp.Sub(now); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(cacheEntry{Claims: claims, ExpiresAt: now.Add(ttl)})
	if err != nil {
		v.log.WarnContext(ctx, "remote.cache.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := v.cfg.Cache.Set(ctx, key, b, storage.WithTTL(ttl)); err != nil {
		v.log.WarnContext(ctx, "remote.cache.set.fail", slog.String("err", err.Error()))
	}
}

func (v *Validator) call(ctx context.Context, tok string) (map[string]any, error) {
	if v.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
	}

	if v.cfg.Mode == ModeIntrospection && v.cfg.Introspector != nil {
		resp, err := v.cfg.Introspector.Introspect(ctx, tok)
		if err != nil {
			return nil, fmt.Errorf("%w: introspector: %w", ErrRemoteCall, err)
		}
		return activeClaims(resp)
	}

	ep, err := v.endpoint.Get(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{"token": {tok}}
	if v.cfg.Mode == ModeIntrospection {
		form.Set("token_type_hint", "access_token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *ep, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrRemoteCall, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.cfg.Mode == ModeIntrospection && v.cfg.ClientSecret != "" {
		req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	}

	start := v.cfg.Now()
	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		v.log.WarnContext(ctx, "remote.call.fail", slog.String("mode", v.cfg.Mode.String()), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrRemoteCall, err)
	}
	defer resp.Body.Close()
	v.log.DebugContext(ctx, "remote.call.done",
		slog.String("mode", v.cfg.Mode.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", v.cfg.Now().Sub(start)),
	)

	switch {
	case resp.StatusCode == http.StatusOK:
	case v.cfg.Mode == ModeValidationEndpoint && resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The validation endpoint signals a rejected token with a client error.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: validation endpoint status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrRemoteCall, resp.StatusCode)
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%w: response content-type %q is not JSON", ErrRemoteCall, resp.Header.Get("Content-Type"))
	}
	var body map[string]any
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrRemoteCall, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: empty response", ErrRemoteCall)
	}

	if v.cfg.Mode == ModeIntrospection {
		return activeClaims(body)
	}
	return body, nil
}

func (v *Validator) discoverIntrospectionEndpoint(ctx context.Context) (*string, error) {
	doc, err := trust.FetchDiscovery(ctx, v.cfg.HTTPClient, v.cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteCall, err)
	}
	ep := doc.IntrospectionEndpoint
	if ep == "" {
		ep = trust.NormalizeAuthority(v.cfg.Authority) + DefaultIntrospectionPath
	}
	v.log.InfoContext(ctx, "remote.endpoint.resolved", slog.String("endpoint", ep))
	return &ep, nil
}

// activeClaims checks the RFC 7662 "active" member and returns the
// remaining members as claims.
func activeClaims(resp map[string]any) (map[string]any, error) {
	if active, _ := resp["active"].(bool); !active {
		return nil, fmt.Errorf("%w: token is not active", ErrUnauthorized)
	}
	claims := make(map[string]any, len(resp))
	for k, val := range resp {
		if k == "active" {
			continue
		}
		claims[k] = val
	}
	return claims, nil
}

func isJSON(header string) bool {
	mt := contenttype.NewMediaType(header)
	if mt.Matches(jsonMediaType) {
		return true
	}
	return strings.EqualFold(mt.Type, "application") && strings.HasSuffix(strings.ToLower(mt.Subtype), "+json")
}

// expiry extracts the exp claim as a time. Numeric strings are accepted;
// some validation endpoints render every claim value as a string.
func expiry(claims map[string]any) (time.Time, bool, error) {
	raw, ok := claims["exp"]
	if !ok || raw == nil {
		return time.Time{}, false, nil
	}
	var secs float64
	switch n := raw.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid exp claim: %w", err)
		}
		secs = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid exp claim: %w", err)
		}
		secs = f
	case float64:
		secs = n
	case int64:
		secs = float64(n)
	case int:
		secs = float64(n)
	default:
		return time.Time{}, false, fmt.Errorf("invalid exp claim type %T", raw)
	}
	if math.IsNaN(secs) || secs < minExpSeconds || secs > maxExpSeconds {
		return time.Time{}, false, fmt.Errorf("exp claim %v out of range", raw)
	}
	whole := math.Floor(secs)
	return time.Unix(int64(whole), int64((secs-whole)*1e9)), true, nil
}
