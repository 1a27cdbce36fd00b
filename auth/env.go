package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/tokenauth/internal/trust"
	"github.com/joeshaw/envdecode"
)

// EnvConfig is the environment representation of Options. Defaults are
// provided via struct tags.
type EnvConfig struct {
	Mode                   string        `env:"TOKENAUTH_MODE,default=both"`
	Authority              string        `env:"TOKENAUTH_AUTHORITY"`
	IssuerName             string        `env:"TOKENAUTH_ISSUER_NAME"`
	SigningCertificateFile string        `env:"TOKENAUTH_SIGNING_CERTIFICATE_FILE"`
	ApiName                string        `env:"TOKENAUTH_API_NAME"`
	ApiSecret              string        `env:"TOKENAUTH_API_SECRET"`
	LegacyAudience         bool          `env:"TOKENAUTH_LEGACY_AUDIENCE,default=false"`
	DelayLoadMetadata      bool          `env:"TOKENAUTH_DELAY_LOAD_METADATA,default=false"`
	CacheResults           bool          `env:"TOKENAUTH_CACHE_RESULTS,default=false"`
	CacheDuration          time.Duration `env:"TOKENAUTH_CACHE_DURATION,default=5m"`
	RequiredScopes         string        `env:"TOKENAUTH_REQUIRED_SCOPES"` // space separated
	IntrospectionEndpoint  string        `env:"TOKENAUTH_INTROSPECTION_ENDPOINT"`
	SaveToken              bool          `env:"TOKENAUTH_SAVE_TOKEN,default=false"`
	ClockSkew              time.Duration `env:"TOKENAUTH_CLOCK_SKEW,default=5m"`
	BackchannelTimeout     time.Duration `env:"TOKENAUTH_BACKCHANNEL_TIMEOUT,default=60s"`
	AllowInsecureMetadata  bool          `env:"TOKENAUTH_ALLOW_INSECURE_METADATA,default=false"`
	Realm                  string        `env:"TOKENAUTH_REALM"`
}

// LoadEnvConfig reads EnvConfig from the process environment.
func LoadEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &cfg, nil
}

// Options converts the environment configuration. The signing certificate
// file, when named, is read and parsed here.
func (c *EnvConfig) Options() (Options, error) {
	mode, err := ParseValidationMode(c.Mode)
	if err != nil {
		return Options{}, err
	}
	o := Options{
		ValidationMode:                mode,
		Authority:                     c.Authority,
		IssuerName:                    c.IssuerName,
		ApiName:                       c.ApiName,
		ApiSecret:                     c.ApiSecret,
		LegacyAudienceValidation:      c.LegacyAudience,
		DelayLoadMetadata:             c.DelayLoadMetadata,
		EnableValidationResultCache:   c.CacheResults,
		ValidationResultCacheDuration: c.CacheDuration,
		RequiredScopes:                strings.Fields(c.RequiredScopes),
		IntrospectionEndpoint:         c.IntrospectionEndpoint,
		SaveToken:                     c.SaveToken,
		ClockSkew:                     c.ClockSkew,
		BackchannelTimeout:            c.BackchannelTimeout,
		AllowInsecureMetadata:         c.AllowInsecureMetadata,
		Realm:                         c.Realm,
	}
	if c.SigningCertificateFile != "" {
		pemBytes, err := os.ReadFile(c.SigningCertificateFile)
		if err != nil {
			return Options{}, fmt.Errorf("%w: read signing certificate: %w", ErrConfiguration, err)
		}
		cert, err := trust.ParseCertificatePEM(pemBytes)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		o.SigningCertificate = cert
	}
	return o, nil
}
