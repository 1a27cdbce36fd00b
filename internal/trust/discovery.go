package trust

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
)

// WellKnownPath is appended to the normalized authority to locate the
// discovery document.
const WellKnownPath = ".well-known/openid-configuration"

const maxKeySetBytes = 1 << 20

// Document is the subset of the discovery document this package uses.
type Document struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	// Audience is not part of OpenID Connect discovery but some authorities
	// publish it. Empty when absent.
	Audience string `json:"audience"`
}

// FetchDiscovery retrieves and decodes {authority}/.well-known/openid-configuration.
// The document's issuer must match the authority; a trailing slash on
// either side is ignored.
func FetchDiscovery(ctx context.Context, client *http.Client, authority string) (*Document, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	// go-oidc appends "/.well-known/openid-configuration" to the issuer with
	// its trailing slash removed, which yields the normalized URL. Its exact
	// issuer comparison is replaced by issuerMatches below.
	base := strings.TrimSuffix(NormalizeAuthority(authority), "/")
	provider, err := oidc.NewProvider(oidc.InsecureIssuerURLContext(ctx, base), base)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %v", ErrResolution, err)
	}
	var doc Document
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid discovery document: %v", ErrResolution, err)
	}
	if !issuerMatches(doc.Issuer, authority) {
		return nil, fmt.Errorf("%w: discovery issuer %q does not match authority %q", ErrResolution, doc.Issuer, authority)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("%w: discovery document has no jwks_uri", ErrResolution)
	}
	return &doc, nil
}

func issuerMatches(issuer, authority string) bool {
	return issuer != "" && NormalizeAuthority(issuer) == NormalizeAuthority(authority)
}

// FetchKeys retrieves a JWKS and returns every public signing key in it.
// Encryption keys and symmetric keys are skipped.
func FetchKeys(ctx context.Context, client *http.Client, jwksURI string) ([]crypto.PublicKey, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks request: %v", ErrResolution, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks fetch: %v", ErrResolution, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks fetch: status %d", ErrResolution, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: invalid jwks: %v", ErrResolution, err)
	}
	keys := make([]crypto.PublicKey, 0, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use == "enc" || !k.Valid() {
			continue
		}
		pub := k.Public()
		if pub.Key == nil {
			continue
		}
		keys = append(keys, pub.Key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: jwks contains no signing keys", ErrResolution)
	}
	return keys, nil
}
