package oauth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/giantswarm/oauth2-server/security"
)

const (
	// DefaultConsentTicketTTL bounds how long a rendered consent page stays valid
	DefaultConsentTicketTTL = 10 * time.Minute

	// MinConsentKeyLength is the minimum consent ticket signing key length in bytes
	MinConsentKeyLength = 32
)

// Config holds the HTTP handler configuration
type Config struct {
	// LoginURL is where unauthenticated resource owners are sent. The original
	// authorization request is passed in the "next" query parameter. When empty
	// the authorization endpoint answers 401 with a Basic challenge.
	LoginURL string

	// Realm is the realm of Basic challenges. Default: "oauth2".
	Realm string

	// ConsentKey signs the consent ticket embedded in the consent form (HS256).
	// Nil disables consent tickets.
	ConsentKey []byte

	// ConsentTicketTTL is the lifetime of a consent ticket. Default: 10 minutes.
	ConsentTicketTTL time.Duration

	// RateLimit limits token endpoint requests per client IP. A zero Rate disables limiting.
	RateLimit security.RateLimitConfig

	// TrustProxy enables X-Forwarded-For and X-Real-IP for client IP detection.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appending to X-Forwarded-For. Default: 1.
	TrustedProxyCount int
}

func (c *Config) withDefaults() *Config {
	cp := *c
	if cp.Realm == "" {
		cp.Realm = "oauth2"
	}
	if cp.ConsentTicketTTL <= 0 {
		cp.ConsentTicketTTL = DefaultConsentTicketTTL
	}
	if cp.TrustedProxyCount <= 0 {
		cp.TrustedProxyCount = 1
	}
	return &cp
}

func (c *Config) validate() error {
	if c.ConsentKey != nil && len(c.ConsentKey) < MinConsentKeyLength {
		return fmt.Errorf("consent key must be at least %d bytes, got %d", MinConsentKeyLength, len(c.ConsentKey))
	}
	if c.LoginURL != "" {
		u, err := url.Parse(c.LoginURL)
		if err != nil {
			return fmt.Errorf("invalid login URL: %w", err)
		}
		if u.Fragment != "" {
			return fmt.Errorf("login URL must not contain a fragment")
		}
	}
	return nil
}
