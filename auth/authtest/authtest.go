// Package authtest provides an in-process authority for tests: it serves an
// OpenID Connect discovery document, a JWKS, an introspection endpoint and a
// validation endpoint, and signs access tokens that validate against them.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Endpoint paths served by an Issuer.
const (
	DiscoveryPath     = "/.well-known/openid-configuration"
	JWKSPath          = "/jwks"
	IntrospectionPath = "/connect/introspect"
	ValidationPath    = "/connect/accesstokenvalidation"
)

// Issuer is a mock authorization server backed by httptest.
type Issuer struct {
	srv *httptest.Server

	key   *rsa.PrivateKey
	kid   string
	decoy []*rsa.PrivateKey

	docAudience    string
	issuerSuffix   string
	advertiseIntro bool
	clientID       string
	clientSecret   string

	mu         sync.Mutex
	remote     map[string]map[string]any
	failDisco  bool
	failRemote bool

	hits sync.Map // path -> *atomic.Int64
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithDocumentAudience publishes an "audience" member in the discovery document.
func WithDocumentAudience(aud string) Option {
	return func(i *Issuer) { i.docAudience = aud }
}

// WithIssuerSuffix appends suffix to the issuer identifier the discovery
// document advertises and Claims puts in "iss". "/" yields an issuer with a
// trailing slash; any other suffix yields an issuer that no longer matches
// the server URL.
func WithIssuerSuffix(suffix string) Option {
	return func(i *Issuer) { i.issuerSuffix = suffix }
}

// WithDecoyKeys adds n unrelated signing keys to the published JWKS.
func WithDecoyKeys(n int) Option {
	return func(i *Issuer) {
		for range n {
			i.decoy = append(i.decoy, mustRSA())
		}
	}
}

// WithIntrospectionEndpoint advertises the introspection endpoint in the
// discovery document.
func WithIntrospectionEndpoint() Option {
	return func(i *Issuer) { i.advertiseIntro = true }
}

// WithClientCredentials requires HTTP basic authentication on the
// introspection endpoint.
func WithClientCredentials(id, secret string) Option {
	return func(i *Issuer) { i.clientID, i.clientSecret = id, secret }
}

// NewIssuer starts an Issuer. It is closed automatically when the test ends.
func NewIssuer(t testing.TB, opts ...Option) *Issuer {
	t.Helper()
	i := &Issuer{
		key:    mustRSA(),
		kid:    "test-key",
		remote: map[string]map[string]any{},
	}
	for _, opt := range opts {
		opt(i)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DiscoveryPath, i.handleDiscovery)
	mux.HandleFunc(JWKSPath, i.handleJWKS)
	mux.HandleFunc(IntrospectionPath, i.handleIntrospection)
	mux.HandleFunc(ValidationPath, i.handleValidation)
	i.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.counter(r.URL.Path).Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(i.srv.Close)
	return i
}

// URL returns the server base URL, with no trailing slash.
func (i *Issuer) URL() string { return i.srv.URL }

// Issuer returns the issuer identifier advertised in discovery and placed
// in tokens. It equals URL unless WithIssuerSuffix was given.
func (i *Issuer) Issuer() string { return i.srv.URL + i.issuerSuffix }

// KeyID returns the key identifier placed in token headers by Token.
func (i *Issuer) KeyID() string { return i.kid }

// PublishedKeyID returns the identifier the JWKS publishes for the signing
// key. It intentionally differs from KeyID.
func (i *Issuer) PublishedKeyID() string { return strings.ToUpper(i.kid) + "-x5t" }

// Hits returns how many requests the given endpoint path has served.
func (i *Issuer) Hits(path string) int64 { return i.counter(path).Load() }

// FailDiscovery makes the discovery endpoint return 503 while set.
func (i *Issuer) FailDiscovery(fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failDisco = fail
}

// FailRemote makes the introspection and validation endpoints return 500
// while set.
func (i *Issuer) FailRemote(fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failRemote = fail
}

// RegisterToken makes tok known to the introspection and validation
// endpoints, which will answer with claims.
func (i *Issuer) RegisterToken(tok string, claims map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := make(map[string]any, len(claims))
	for k, v := range claims {
		cp[k] = v
	}
	i.remote[tok] = cp
}

// Claims returns a baseline claim set for this issuer: iss, sub, iat and a
// one hour exp. Extra claims are merged over it.
func (i *Issuer) Claims(extra jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss": i.Issuer(),
		"sub": "user-123",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

// Token signs claims with the issuer's published key.
func (i *Issuer) Token(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return i.sign(t, i.key, i.kid, claims)
}

// TokenWithKeyID signs with the published key but advertises kid in the
// header, which need not match any published key identifier.
func (i *Issuer) TokenWithKeyID(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	return i.sign(t, i.key, kid, claims)
}

// ForeignToken signs claims with a key the issuer never published.
func (i *Issuer) ForeignToken(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return i.sign(t, mustRSA(), i.kid, claims)
}

// Certificate returns a self-signed certificate over the signing key, for
// configurations that use static trust material.
func (i *Issuer) Certificate(t testing.TB) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "authtest"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &i.key.PublicKey, i.key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

// CertificatePEM returns Certificate PEM-encoded.
func (i *Issuer) CertificatePEM(t testing.TB) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Certificate(t).Raw})
}

func (i *Issuer) sign(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (i *Issuer) counter(path string) *atomic.Int64 {
	v, _ := i.hits.LoadOrStore(path, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	fail := i.failDisco
	i.mu.Unlock()
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	meta := map[string]any{
		"issuer":                   i.Issuer(),
		"jwks_uri":                 i.URL() + JWKSPath,
		"authorization_endpoint":   i.URL() + "/connect/authorize",
		"token_endpoint":           i.URL() + "/connect/token",
		"response_types_supported": []string{"code"},
	}
	if i.docAudience != "" {
		meta["audience"] = i.docAudience
	}
	if i.advertiseIntro {
		meta["introspection_endpoint"] = i.URL() + IntrospectionPath
	}
	writeJSON(w, http.StatusOK, meta)
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{}
	for n, k := range i.decoy {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.PublicKey, KeyID: "decoy-" + string(rune('a'+n)), Algorithm: "RS256", Use: "sig"})
	}
	// The published kid deliberately differs from the token header kid to
	// mirror authorities whose JWKS key ids use a different fingerprint scheme.
	set.Keys = append(set.Keys, jose.JSONWebKey{Key: &i.key.PublicKey, KeyID: i.PublishedKeyID(), Algorithm: "RS256", Use: "sig"})
	writeJSON(w, http.StatusOK, set)
}

func (i *Issuer) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if i.clientID != "" {
		id, secret, ok := r.BasicAuth()
		if !ok || id != i.clientID || secret != i.clientSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	claims, ok, fail := i.lookup(r)
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	body := map[string]any{"active": true}
	for k, v := range claims {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (i *Issuer) handleValidation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok, fail := i.lookup(r)
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (i *Issuer) lookup(r *http.Request) (map[string]any, bool, bool) {
	if err := r.ParseForm(); err != nil {
		return nil, false, false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failRemote {
		return nil, false, true
	}
	c, ok := i.remote[r.PostForm.Get("token")]
	return c, ok, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustRSA() *rsa.PrivateKey {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("authtest: generate key: " + err.Error())
	}
	return pk
}
