package tokenauth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/tokenauth/auth"
	"github.com/ggoodman/tokenauth/auth/authtest"
	"github.com/ggoodman/tokenauth/internal/trust"
)

func staticBuilder(certFile, issuer string) BuildFunc {
	return func(ctx context.Context) (*Handler, error) {
		pemBytes, err := os.ReadFile(certFile)
		if err != nil {
			return nil, err
		}
		cert, err := trust.ParseCertificatePEM(pemBytes)
		if err != nil {
			return nil, err
		}
		return New(ctx, http.NotFoundHandler(), auth.Options{
			ValidationMode:     auth.ValidationModeLocal,
			IssuerName:         issuer,
			SigningCertificate: cert,
		})
	}
}

func TestReloaderRotatesCertificate(t *testing.T) {
	oldIss := authtest.NewIssuer(t)
	newIss := authtest.NewIssuer(t)
	const issuer = "https://issuer.example"

	certFile := filepath.Join(t.TempDir(), "signing.pem")
	if err := os.WriteFile(certFile, oldIss.CertificatePEM(t), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := NewReloader(context.Background(), staticBuilder(certFile, issuer), nil, certFile)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	oldTok := oldIss.Token(t, oldIss.Claims(map[string]any{"iss": issuer}))
	newTok := newIss.Token(t, newIss.Claims(map[string]any{"iss": issuer}))
	if !r.Current().Authenticate(ctx, oldTok).OK() {
		t.Fatal("token from the original key should validate")
	}
	if r.Current().Authenticate(ctx, newTok).OK() {
		t.Fatal("token from the rotated key should not validate yet")
	}

	if err := os.WriteFile(certFile, newIss.CertificatePEM(t), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !r.Current().Authenticate(ctx, newTok).OK() {
		if time.Now().After(deadline) {
			t.Fatal("handler was not rebuilt after the certificate changed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if r.Current().Authenticate(ctx, oldTok).OK() {
		t.Fatal("old key should be retired after rotation")
	}
}

func TestReloaderKeepsHandlerOnFailedRebuild(t *testing.T) {
	iss := authtest.NewIssuer(t)
	certFile := filepath.Join(t.TempDir(), "signing.pem")
	if err := os.WriteFile(certFile, iss.CertificatePEM(t), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := NewReloader(context.Background(), staticBuilder(certFile, iss.URL()), nil, certFile)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.Close()

	before := r.Current()
	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected rebuild failure")
	}
	if r.Current() != before {
		t.Fatal("failed rebuild must keep the previous handler")
	}
}

func TestNewReloaderRequiresFiles(t *testing.T) {
	build := func(context.Context) (*Handler, error) { return nil, errors.New("unused") }
	if _, err := NewReloader(context.Background(), build, nil); err == nil {
		t.Fatal("expected error without files")
	}
}
