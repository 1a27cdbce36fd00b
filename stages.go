package tokenauth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/tokenauth/auth"
	"github.com/ggoodman/tokenauth/internal/logctx"
)

// Stage names, in pipeline order.
const (
	StageAuthenticate = "authenticate"
	StageRequireScope = "require-scope"
	StageSaveToken    = "save-token"
)

const wwwAuthenticateHeader = "WWW-Authenticate"

var jsonMediaType = contenttype.NewMediaType("application/json")

type stage struct {
	name string
	wrap func(next http.Handler) http.Handler
}

func (h *Handler) authenticateStage() stage {
	return stage{name: StageAuthenticate, wrap: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tok := h.retrieve(r)
			out := h.strategy.authenticate(ctx, tok)
			if !out.OK() {
				if out.Err() == nil {
					h.log.DebugContext(ctx, "auth.check.missing")
				} else {
					h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", out.Err().Error()))
				}
				h.reject(w, out)
				return
			}
			p := out.Principal()
			ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Subject: p.Subject(), Source: string(p.Source())})
			h.log.DebugContext(ctx, "auth.check.ok")
			ctx = auth.WithAuthenticationStage(auth.WithPrincipal(ctx, p))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}}
}

func (h *Handler) requireScopeStage() stage {
	return stage{name: StageRequireScope, wrap: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, _ := auth.PrincipalFromContext(ctx)
			if out := h.enforceScopes(p); !out.OK() {
				h.log.InfoContext(ctx, "auth.scope.fail", slog.Any("required", h.opts.RequiredScopes))
				h.reject(w, out)
				return
			}
			next.ServeHTTP(w, r)
		})
	}}
}

func (h *Handler) saveTokenStage() stage {
	return stage{name: StageSaveToken, wrap: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithToken(r.Context(), h.retrieve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}}
}

// enforceScopes applies any-of scope semantics to an authenticated principal.
func (h *Handler) enforceScopes(p *auth.Principal) auth.Outcome {
	if p == nil {
		return auth.Unauthenticated(auth.ErrUnauthorized)
	}
	if !p.HasAnyScope(h.opts.RequiredScopes...) {
		return auth.Forbidden(p, auth.ErrInsufficientScope)
	}
	return auth.Success(p)
}

func (h *Handler) reject(w http.ResponseWriter, out auth.Outcome) {
	ch := out.Challenge(h.opts.Realm, h.opts.RequiredScopes)
	w.Header().Set(wwwAuthenticateHeader, ch.WWWAuthenticate)
	msg := "unauthorized"
	if ch.Status == http.StatusForbidden {
		msg = "forbidden"
	}
	writeJSONError(w, ch.Status, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
