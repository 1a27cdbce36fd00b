package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// KeyResolver selects verification key material for a parsed but not yet
// verified token. It may return a single key or a jwt.VerificationKeySet.
type KeyResolver func(ctx context.Context, token *jwt.Token, m *Material) (any, error)

// AllKeys is the default KeyResolver. It offers every known key and lets
// signature verification pick: token kid hints and JWKS key identifiers are
// not guaranteed to use the same fingerprint scheme, so matching on kid
// would reject valid tokens.
func AllKeys(_ context.Context, _ *jwt.Token, m *Material) (any, error) {
	if m == nil || len(m.Keys) == 0 {
		return nil, errors.New("trust: no signing keys available")
	}
	set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(m.Keys))}
	for _, k := range m.Keys {
		set.Keys = append(set.Keys, k)
	}
	return set, nil
}

// NewRemoteKeyResolver returns a KeyResolver backed by an auto-refreshing
// JWKS that matches keys by kid. Use it as a custom resolver when the
// authority's kid values are known to line up with token headers. The
// background refresh stops when ctx is done.
func NewRemoteKeyResolver(ctx context.Context, jwksURLs ...string) (KeyResolver, error) {
	if len(jwksURLs) == 0 {
		return nil, errors.New("trust: at least one jwks url required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, jwksURLs)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks init failed: %v", ErrResolution, err)
	}
	return func(_ context.Context, t *jwt.Token, _ *Material) (any, error) {
		return kf.Keyfunc(t)
	}, nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block in pemBytes.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	for len(pemBytes) > 0 {
		var blk *pem.Block
		blk, pemBytes = pem.Decode(pemBytes)
		if blk == nil {
			break
		}
		if blk.Type != "CERTIFICATE" {
			continue
		}
		return x509.ParseCertificate(blk.Bytes)
	}
	return nil, errors.New("trust: no certificate found in pem data")
}
