package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends accepted by OAUTH2D_STORE
const (
	storeMemory = "memory"
	storeSQLite = "sqlite"
	storeValkey = "valkey"
)

// config is the oauth2d configuration. Every field is read from the
// environment; serve flags override the values they name.
type config struct {
	ListenAddr      string        `env:"OAUTH2D_LISTEN_ADDR" envDefault:":8080"`
	Issuer          string        `env:"OAUTH2D_ISSUER"`
	AllowInsecure   bool          `env:"OAUTH2D_ALLOW_INSECURE_HTTP"`
	ShutdownTimeout time.Duration `env:"OAUTH2D_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"OAUTH2D_LOG_LEVEL" envDefault:"info"`

	Store           string        `env:"OAUTH2D_STORE" envDefault:"memory"`
	StorePath       string        `env:"OAUTH2D_STORE_PATH" envDefault:"oauth2d.db"`
	CleanupInterval time.Duration `env:"OAUTH2D_CLEANUP_INTERVAL" envDefault:"5m"`

	ValkeyAddr     string `env:"OAUTH2D_VALKEY_ADDR" envDefault:"localhost:6379"`
	ValkeyUsername string `env:"OAUTH2D_VALKEY_USERNAME"`
	ValkeyPassword string `env:"OAUTH2D_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"OAUTH2D_VALKEY_DB"`
	ValkeyPrefix   string `env:"OAUTH2D_VALKEY_PREFIX" envDefault:"oauth2:"`
	ValkeyTLS      bool   `env:"OAUTH2D_VALKEY_TLS"`

	HTPasswdFile  string `env:"OAUTH2D_HTPASSWD_FILE"`
	PasswordGrant bool   `env:"OAUTH2D_PASSWORD_GRANT" envDefault:"true"`
	LoginURL      string `env:"OAUTH2D_LOGIN_URL"`
	Realm         string `env:"OAUTH2D_REALM" envDefault:"oauth2d"`
	ConsentKey    string `env:"OAUTH2D_CONSENT_KEY"`
	JWTKey        string `env:"OAUTH2D_JWT_KEY"`

	AccessTokenTTL       time.Duration `env:"OAUTH2D_ACCESS_TOKEN_TTL" envDefault:"1h"`
	ClientCredentialsTTL time.Duration `env:"OAUTH2D_CLIENT_CREDENTIALS_TTL"`
	CodeTTL              time.Duration `env:"OAUTH2D_CODE_TTL" envDefault:"10m"`
	RefreshTokenTTL      time.Duration `env:"OAUTH2D_REFRESH_TOKEN_TTL" envDefault:"2160h"`
	DisableRotation      bool          `env:"OAUTH2D_DISABLE_REFRESH_ROTATION"`

	TokenRateLimit    float64  `env:"OAUTH2D_TOKEN_RATE_LIMIT" envDefault:"10"`
	TokenRateBurst    int      `env:"OAUTH2D_TOKEN_RATE_BURST" envDefault:"20"`
	TrustProxy        bool     `env:"OAUTH2D_TRUST_PROXY"`
	TrustedProxyCount int      `env:"OAUTH2D_TRUSTED_PROXY_COUNT" envDefault:"1"`
	Audit             bool     `env:"OAUTH2D_AUDIT" envDefault:"true"`
	Metrics           bool     `env:"OAUTH2D_METRICS" envDefault:"true"`
	LogClientIPs      bool     `env:"OAUTH2D_LOG_CLIENT_IPS"`
	OTLPEndpoint      string   `env:"OAUTH2D_OTLP_ENDPOINT"`
	OTLPInsecure      bool     `env:"OAUTH2D_OTLP_INSECURE"`
	DisabledEndpoints []string `env:"OAUTH2D_DISABLED_ENDPOINTS" envSeparator:","`
}

// loadConfig reads the oauth2d configuration from the environment
func loadConfig() (*config, error) {
	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch c.Store {
	case storeMemory, storeSQLite, storeValkey:
	default:
		return fmt.Errorf("unknown store %q (expected %s, %s or %s)", c.Store, storeMemory, storeSQLite, storeValkey)
	}
	if c.Store == storeSQLite && strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("OAUTH2D_STORE_PATH is required for the sqlite store")
	}
	if c.Store == storeValkey && strings.TrimSpace(c.ValkeyAddr) == "" {
		return fmt.Errorf("OAUTH2D_VALKEY_ADDR is required for the valkey store")
	}
	if c.ValkeyDB < 0 {
		return fmt.Errorf("valkey database must not be negative, got %d", c.ValkeyDB)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive, got %s", c.AccessTokenTTL)
	}
	if c.CodeTTL <= 0 {
		return fmt.Errorf("authorization code TTL must be positive, got %s", c.CodeTTL)
	}
	if c.RefreshTokenTTL == 0 {
		return fmt.Errorf("refresh token TTL must not be zero (use a negative value for no expiry)")
	}
	if c.TokenRateLimit < 0 {
		return fmt.Errorf("token rate limit must not be negative")
	}
	for _, name := range c.DisabledEndpoints {
		switch strings.TrimSpace(name) {
		case endpointMetrics, endpointHealth, endpointMetadata:
		default:
			return fmt.Errorf("unknown endpoint %q in OAUTH2D_DISABLED_ENDPOINTS", name)
		}
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// endpointEnabled reports whether an optional endpoint is served
func (c *config) endpointEnabled(name string) bool {
	for _, disabled := range c.DisabledEndpoints {
		if strings.TrimSpace(disabled) == name {
			return false
		}
	}
	return true
}

// seconds converts a TTL to whole seconds, keeping negative values negative
func seconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}
