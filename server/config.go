package server

import (
	"log/slog"
)

// Config holds grant engine configuration
type Config struct {
	// Issuer is the server's base URL
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid. Negative means
	// refresh tokens never expire.
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DisableRefreshTokenRotation keeps a refresh token usable after it has
	// been redeemed. By default every refresh consumes the presented token and
	// returns a new one.
	DisableRefreshTokenRotation bool

	// AllowInsecureHTTP permits a plain http Issuer on a non-loopback host
	AllowInsecureHTTP bool
}

// DefaultAuthorizationCodeTTL is the default authorization code lifetime in seconds
const DefaultAuthorizationCodeTTL int64 = 600

// DefaultRefreshTokenTTL is the default refresh token lifetime in seconds
const DefaultRefreshTokenTTL int64 = 90 * 24 * 60 * 60

// applySecureDefaults fills unset values and warns about weakened settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}

	if config.DisableRefreshTokenRotation {
		logger.Warn("Refresh token rotation is disabled",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Leave DisableRefreshTokenRotation unset")
	}
	if config.RefreshTokenTTL < 0 {
		logger.Warn("Refresh tokens never expire",
			"recommendation", "Set RefreshTokenTTL to a positive number of seconds")
	}
	if config.AuthorizationCodeTTL > DefaultAuthorizationCodeTTL {
		logger.Warn("Authorization code lifetime exceeds the recommended maximum",
			"ttl_seconds", config.AuthorizationCodeTTL,
			"recommended_max_seconds", DefaultAuthorizationCodeTTL)
	}
	return config
}

// refreshExpiresIn is the RefreshExpiresIn stored with new refresh tokens
func (c *Config) refreshExpiresIn() int64 {
	if c.RefreshTokenTTL < 0 {
		return 0
	}
	return c.RefreshTokenTTL
}
