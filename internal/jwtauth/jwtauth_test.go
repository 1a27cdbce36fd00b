package jwtauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/tokenauth/auth/authtest"
	"github.com/ggoodman/tokenauth/internal/trust"
	"github.com/golang-jwt/jwt/v5"
)

func discoveryValidator(t *testing.T, iss *authtest.Issuer, tc trust.Config, cfg *Config) *Validator {
	t.Helper()
	tc.Authority = iss.URL()
	tc.AllowInsecureMetadata = true
	r, err := trust.NewResolver(tc)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.Leeway = 0
	}
	v, err := New(cfg, r)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v
}

func TestValidator_HappyPath(t *testing.T) {
	iss := authtest.NewIssuer(t, authtest.WithDecoyKeys(2))
	v := discoveryValidator(t, iss, trust.Config{ApiName: "api1"}, nil)

	tok := iss.Token(t, iss.Claims(jwt.MapClaims{"aud": "api1", "scope": "read write"}))
	claims, err := v.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims["sub"] != "user-123" {
		t.Fatalf("want sub user-123, got %v", claims["sub"])
	}
	if claims["scope"] != "read write" {
		t.Fatalf("scope roundtrip mismatch: %v", claims["scope"])
	}
}

func TestValidator_IssuerWithTrailingSlash(t *testing.T) {
	iss := authtest.NewIssuer(t, authtest.WithIssuerSuffix("/"))
	v := discoveryValidator(t, iss, trust.Config{}, nil)

	if _, err := v.Validate(context.Background(), iss.Token(t, iss.Claims(nil))); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// iss must equal the advertised issuer exactly.
	tok := iss.Token(t, iss.Claims(jwt.MapClaims{"iss": iss.URL()}))
	if _, err := v.Validate(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for iss without slash, got %v", err)
	}
}

func TestValidator_AudienceArray(t *testing.T) {
	iss := authtest.NewIssuer(t)
	v := discoveryValidator(t, iss, trust.Config{ApiName: "api1"}, nil)

	tok := iss.Token(t, iss.Claims(jwt.MapClaims{"aud": []string{"other", "api1"}}))
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidator_AudienceMismatch(t *testing.T) {
	iss := authtest.NewIssuer(t)
	v := discoveryValidator(t, iss, trust.Config{ApiName: "api1"}, nil)

	tok := iss.Token(t, iss.Claims(jwt.MapClaims{"aud": "api2"}))
	_, err := v.Validate(context.Background(), tok)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, jwt.ErrTokenInvalidAudience) {
		t.Fatalf("want audience rejection, got %v", err)
	}
}

func TestValidator_AudienceIgnoredWhenNotValidated(t *testing.T) {
	iss := authtest.NewIssuer(t)
	v := discoveryValidator(t, iss, trust.Config{}, nil)

	tok := iss.Token(t, iss.Claims(jwt.MapClaims{"aud": "some-unrelated-api"}))
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("audience must not be checked: %v", err)
	}
}

func TestValidator_LegacyAudience(t *testing.T) {
	iss := authtest.NewIssuer(t)
	v := discoveryValidator(t, iss, trust.Config{ApiName: "api1", LegacyAudienceValidation: true}, nil)

	good := iss.Token(t, iss.Claims(jwt.MapClaims{"aud": iss.URL() + "/resources"}))
	if _, err := v.Validate(context.Background(), good); err != nil {
		t.Fatalf("legacy audience: %v", err)
	}
	bad := iss.Token(t, iss.Claims(jwt.MapClaims{"aud": "api1"}))
	if _, err := v.Validate(context.Background(), bad); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized in legacy mode for api name audience, got %v", err)
	}
}

func TestValidator_Rejections(t *testing.T) {
	iss := authtest.NewIssuer(t)
	v := discoveryValidator(t, iss, trust.Config{}, nil)
	now := time.Now()

	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, iss.Claims(nil))
	hmacTok, err := hmac.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign hmac: %v", err)
	}

	tests := []struct {
		name string
		tok  string
		is   error
	}{
		{"empty", "", ErrUnauthorized},
		{"malformed", "not-a-jwt", jwt.ErrTokenMalformed},
		{"issuer mismatch", iss.Token(t, iss.Claims(jwt.MapClaims{"iss": "https://evil.example.com"})), jwt.ErrTokenInvalidIssuer},
		{"expired", iss.Token(t, iss.Claims(jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})), jwt.ErrTokenExpired},
		{"not yet valid", iss.Token(t, iss.Claims(jwt.MapClaims{"nbf": now.Add(time.Hour).Unix()})), jwt.ErrTokenNotValidYet},
		{"missing exp", iss.Token(t, jwt.MapClaims{"iss": iss.URL(), "sub": "user-123"}), jwt.ErrTokenRequiredClaimMissing},
		{"foreign signature", iss.ForeignToken(t, iss.Claims(nil)), jwt.ErrTokenSignatureInvalid},
		{"hmac not allowed", hmacTok, jwt.ErrTokenSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.tok)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
			if !errors.Is(err, tt.is) {
				t.Fatalf("want %v in chain, got %v", tt.is, err)
			}
		})
	}
}

func TestValidator_TrustUnavailable(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.FailDiscovery(true)
	v := discoveryValidator(t, iss, trust.Config{}, nil)

	_, err := v.Validate(context.Background(), iss.Token(t, iss.Claims(nil)))
	if !errors.Is(err, ErrTrustUnavailable) || !errors.Is(err, trust.ErrResolution) {
		t.Fatalf("want ErrTrustUnavailable, got %v", err)
	}

	iss.FailDiscovery(false)
	if _, err := v.Validate(context.Background(), iss.Token(t, iss.Claims(nil))); err != nil {
		t.Fatalf("validate after discovery recovered: %v", err)
	}
}

func TestValidator_CustomKeyResolver(t *testing.T) {
	iss := authtest.NewIssuer(t)
	var called bool
	cfg := DefaultConfig()
	cfg.KeyResolver = func(ctx context.Context, tk *jwt.Token, m *trust.Material) (any, error) {
		called = true
		return nil, errors.New("no keys for you")
	}
	v := discoveryValidator(t, iss, trust.Config{}, cfg)

	if _, err := v.Validate(context.Background(), iss.Token(t, iss.Claims(nil))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if !called {
		t.Fatalf("custom key resolver was not used")
	}
}

func TestValidator_StaticMaterial(t *testing.T) {
	iss := authtest.NewIssuer(t)
	r, err := trust.NewResolver(trust.Config{IssuerName: "https://issuer.example", SigningCertificate: iss.Certificate(t), ApiName: "api1"})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	v, err := New(DefaultConfig(), r)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := iss.Token(t, iss.Claims(jwt.MapClaims{"iss": "https://issuer.example", "aud": "api1"}))
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if hits := iss.Hits(authtest.DiscoveryPath); hits != 0 {
		t.Fatalf("static material must not trigger discovery, got %d fetches", hits)
	}
}

func TestNew_RejectsAlgNone(t *testing.T) {
	r, err := trust.NewResolver(trust.Config{Authority: "https://issuer.example"})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	cfg := DefaultConfig()
	cfg.AllowedAlgs = []string{"RS256", "none"}
	if _, err := New(cfg, r); err == nil {
		t.Fatalf("expected alg none to be rejected")
	}
}
