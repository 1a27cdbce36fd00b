// Package tokenauth authenticates HTTP requests that carry OAuth 2.0 bearer
// access tokens. Tokens are validated locally as signed JWTs, remotely by
// the issuing authority, or both; required scopes are enforced and the raw
// token can be handed to downstream handlers.
package tokenauth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/tokenauth/auth"
	"github.com/ggoodman/tokenauth/internal/jwtauth"
	"github.com/ggoodman/tokenauth/internal/logctx"
	"github.com/ggoodman/tokenauth/internal/remote"
	"github.com/ggoodman/tokenauth/internal/trust"
	"github.com/ggoodman/tokenauth/storage"
	"github.com/ggoodman/tokenauth/storage/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	_ http.Handler       = (*Handler)(nil)
	_ auth.Authenticator = (*Handler)(nil)
)

const requestIDHeader = "X-Request-Id"

// Handler is the composed authentication pipeline in front of a downstream
// http.Handler.
type Handler struct {
	opts     auth.Options
	log      *slog.Logger
	resolver *trust.Resolver
	strategy *strategy
	retrieve auth.TokenRetriever

	stages []stage
	chain  http.Handler

	ownedCache storage.Storage
	closeOnce  sync.Once
}

// New validates opts and composes the pipeline in front of next. Unless
// opts.DelayLoadMetadata is set, trust material is resolved before New
// returns and a failure aborts composition. The returned Handler keeps its
// own copy of opts.
func New(ctx context.Context, next http.Handler, opts auth.Options) (*Handler, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: next handler is required", auth.ErrConfiguration)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.WithDefaults()

	h := &Handler{
		opts:     o,
		log:      slog.New(logctx.Handler{Handler: o.Logger.Handler()}),
		retrieve: o.TokenRetriever,
	}
	o.Logger = h.log

	var local *jwtauth.Validator
	if o.ValidationMode != auth.ValidationModeEndpoint {
		r, err := trust.NewResolver(trust.Config{
			Authority:                o.Authority,
			IssuerName:               o.IssuerName,
			SigningCertificate:       o.SigningCertificate,
			ApiName:                  o.ApiName,
			LegacyAudienceValidation: o.LegacyAudienceValidation,
			AllowInsecureMetadata:    o.AllowInsecureMetadata,
			HTTPClient:               o.HTTPClient,
			Timeout:                  o.BackchannelTimeout,
			Logger:                   h.log,
		})
		if err != nil {
			return nil, errors.Join(auth.ErrConfiguration, err)
		}
		h.resolver = r

		local, err = jwtauth.New(&jwtauth.Config{
			AllowedAlgs: o.AllowedSigningAlgorithms,
			Leeway:      o.ClockSkew,
			KeyResolver: adaptKeyResolver(o.KeyResolver),
			Logger:      h.log,
		}, r)
		if err != nil {
			return nil, errors.Join(auth.ErrConfiguration, err)
		}
	}

	var rv *remote.Validator
	if o.ValidationMode != auth.ValidationModeLocal {
		cfg := remote.Config{
			Mode:         remote.ModeValidationEndpoint,
			Authority:    o.Authority,
			ClientID:     o.ApiName,
			ClientSecret: o.ApiSecret,
			HTTPClient:   o.HTTPClient,
			Timeout:      o.BackchannelTimeout,
			Logger:       h.log,
		}
		if o.UsesIntrospection() {
			cfg.Mode = remote.ModeIntrospection
			cfg.Endpoint = o.IntrospectionEndpoint
			cfg.Introspector = o.Introspector
		}
		if o.EnableValidationResultCache {
			cfg.Cache = o.ResultCache
			if cfg.Cache == nil {
				c, err := memory.New(auth.DefaultResultCacheSize)
				if err != nil {
					return nil, err
				}
				cfg.Cache = c
				h.ownedCache = c
			}
			cfg.CacheDuration = o.ValidationResultCacheDuration
		}
		var err error
		rv, err = remote.New(cfg)
		if err != nil {
			h.Close()
			return nil, errors.Join(auth.ErrConfiguration, err)
		}
	}

	s, err := newStrategy(o.ValidationMode, local, rv, o)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.strategy = s

	if h.resolver != nil && !o.DelayLoadMetadata {
		if _, err := h.resolver.Resolve(ctx); err != nil {
			h.Close()
			return nil, errors.Join(auth.ErrTrustResolution, err)
		}
	}

	h.stages = append(h.stages, h.authenticateStage())
	if len(o.RequiredScopes) > 0 {
		h.stages = append(h.stages, h.requireScopeStage())
	}
	if o.SaveToken {
		h.stages = append(h.stages, h.saveTokenStage())
	}
	h.chain = h.compose(next)

	h.log.InfoContext(ctx, "tokenauth.ready",
		slog.String("mode", o.ValidationMode.String()),
		slog.Any("stages", h.Stages()),
		slog.Bool("metadata_loaded", h.resolver != nil && h.resolver.Resolved()),
	)
	return h, nil
}

// ServeHTTP runs the pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.chain.ServeHTTP(w, r)
}

// Middleware runs the same stages in front of another handler, for routers
// that compose func(http.Handler) http.Handler middleware such as chi.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return h.compose(next)
}

func (h *Handler) compose(next http.Handler) http.Handler {
	chain := next
	for i := len(h.stages) - 1; i >= 0; i-- {
		chain = h.stages[i].wrap(chain)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		chain.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates tok and enforces the required scopes without an
// HTTP request.
func (h *Handler) Authenticate(ctx context.Context, tok string) auth.Outcome {
	out := h.strategy.authenticate(ctx, tok)
	if !out.OK() || len(h.opts.RequiredScopes) == 0 {
		return out
	}
	return h.enforceScopes(out.Principal())
}

// Stages returns the names of the composed stages in execution order.
func (h *Handler) Stages() []string {
	names := make([]string, len(h.stages))
	for i, s := range h.stages {
		names[i] = s.name
	}
	return names
}

// Options returns a copy of the effective options.
func (h *Handler) Options() auth.Options { return h.opts.Copy() }

// Close releases the result cache when the Handler created it. Caches
// supplied through Options.ResultCache are left to the caller.
func (h *Handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.ownedCache != nil {
			err = h.ownedCache.Close()
		}
	})
	return err
}

func adaptKeyResolver(kr auth.KeyResolver) trust.KeyResolver {
	if kr == nil {
		return nil
	}
	return func(ctx context.Context, t *jwt.Token, m *trust.Material) (any, error) {
		var keys []crypto.PublicKey
		if m != nil {
			keys = m.Keys
		}
		return kr(ctx, t, keys)
	}
}
