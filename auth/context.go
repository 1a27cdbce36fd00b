package auth

import "context"

type principalKey struct{}

type tokenKey struct{}

type stageKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by the authentication
// stage.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// WithToken returns a context carrying the raw bearer token.
func WithToken(ctx context.Context, tok string) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFromContext returns the raw token saved by the save-token stage.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// WithAuthenticationStage marks ctx as having passed through the
// authentication stage.
func WithAuthenticationStage(ctx context.Context) context.Context {
	return context.WithValue(ctx, stageKey{}, true)
}

// AuthenticationRan reports whether the authentication stage ran for the
// request that owns ctx.
func AuthenticationRan(ctx context.Context) bool {
	ran, _ := ctx.Value(stageKey{}).(bool)
	return ran
}
