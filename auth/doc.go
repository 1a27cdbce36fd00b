// Package auth holds the public data model for bearer token
// authentication: Options, the validated Principal, the per-request Outcome
// and the error taxonomy, together with the context accessors used by
// downstream handlers.
//
// The handler itself lives in the root tokenauth package:
//
//	h, err := tokenauth.New(ctx, api, auth.Options{
//	    Authority:      "https://issuer.example",
//	    ApiName:        "orders",
//	    RequiredScopes: []string{"orders.read", "orders.write"},
//	})
//	if err != nil { log.Fatal(err) }
//	defer h.Close()
//	http.Handle("/api/", h)
//
// # Validation modes
//
// ValidationModeLocal verifies self-contained JWTs against trust material
// obtained from discovery or configured statically (IssuerName plus
// SigningCertificate). ValidationModeEndpoint asks the authority about every
// token, through introspection when ApiName, IntrospectionEndpoint or an
// Introspector is set and through the access token validation endpoint
// otherwise. ValidationModeBoth, the zero value, validates JWTs locally and
// sends everything else to the authority.
//
// # Audience
//
// The expected audience is decided in order: ApiName (unless
// LegacyAudienceValidation is set), then {issuer}/resources for legacy
// validation, then an audience published in the discovery document. When
// none applies the audience is not checked.
//
// # Scopes
//
// RequiredScopes is satisfied by any one of the listed scopes. A caller
// with none of them receives 403 with an insufficient_scope challenge.
//
// # Errors
//
// ErrConfiguration is only returned while composing. Per-request failures
// are reported as an Outcome whose Err wraps ErrTokenValidation,
// ErrTrustResolution, ErrRemoteCall or ErrInsufficientScope, always joined
// with ErrUnauthorized or ErrInsufficientScope for the outward mapping.
package auth
