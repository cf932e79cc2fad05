package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2/clientcredentials"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/owner/static"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func executeRootCommand(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(discardLogger(), new(slog.LevelVar))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, nil, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := "oauth2d " + version + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Store != storeMemory || cfg.AccessTokenTTL != time.Hour {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.CodeTTL != 10*time.Minute || cfg.RefreshTokenTTL != 90*24*time.Hour {
		t.Errorf("unexpected TTL defaults: code %s refresh %s", cfg.CodeTTL, cfg.RefreshTokenTTL)
	}
	if !cfg.PasswordGrant || !cfg.Audit || !cfg.Metrics {
		t.Errorf("expected password grant, audit and metrics on by default")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate() error = %v", err)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("OAUTH2D_STORE", "sqlite")
	t.Setenv("OAUTH2D_REFRESH_TOKEN_TTL", "-1s")
	t.Setenv("OAUTH2D_DISABLED_ENDPOINTS", "metrics,healthz")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Store != storeSQLite {
		t.Errorf("Store = %q", cfg.Store)
	}
	if seconds(cfg.RefreshTokenTTL) != -1 {
		t.Errorf("refresh TTL seconds = %d, want -1", seconds(cfg.RefreshTokenTTL))
	}
	if cfg.endpointEnabled(endpointMetrics) || cfg.endpointEnabled(endpointHealth) || !cfg.endpointEnabled(endpointMetadata) {
		t.Errorf("DisabledEndpoints = %v", cfg.DisabledEndpoints)
	}

	t.Setenv("OAUTH2D_ACCESS_TOKEN_TTL", "soon")
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Errorf("loadConfig() error = %v, want parse env error", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config)
	}{
		{"unknown store", func(c *config) { c.Store = "redis" }},
		{"sqlite without path", func(c *config) { c.Store = storeSQLite; c.StorePath = " " }},
		{"valkey without address", func(c *config) { c.Store = storeValkey; c.ValkeyAddr = "" }},
		{"negative valkey db", func(c *config) { c.ValkeyDB = -1 }},
		{"zero access TTL", func(c *config) { c.AccessTokenTTL = 0 }},
		{"negative code TTL", func(c *config) { c.CodeTTL = -time.Second }},
		{"zero refresh TTL", func(c *config) { c.RefreshTokenTTL = 0 }},
		{"negative rate", func(c *config) { c.TokenRateLimit = -1 }},
		{"unknown endpoint", func(c *config) { c.DisabledEndpoints = []string{"token"} }},
		{"bad log level", func(c *config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig()
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("validate() expected error")
			}
		})
	}
}

func TestServeCommand_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("OAUTH2D_STORE", storeMemory)

	_, _, err := executeRootCommand(t, nil, "serve", "--store", "etcd")
	if err == nil || !strings.Contains(err.Error(), `unknown store "etcd"`) {
		t.Errorf("serve --store etcd error = %v", err)
	}

	_, _, err = executeRootCommand(t, nil, "serve", "--log-level", "chatty")
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("serve --log-level chatty error = %v", err)
	}
}

func TestClientCommands(t *testing.T) {
	t.Setenv("OAUTH2D_STORE", storeSQLite)
	t.Setenv("OAUTH2D_STORE_PATH", filepath.Join(t.TempDir(), "oauth2d.db"))

	stdout, _, err := executeRootCommand(t, nil, "client", "create",
		"--name", "CLI App",
		"--scope", "write read write",
		"--redirect-uri", "https://app.example/cb")
	if err != nil {
		t.Fatalf("client create failed: %v", err)
	}
	var created clientView
	if err := json.Unmarshal([]byte(stdout), &created); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if created.ClientID == "" || created.ClientSecret == "" {
		t.Fatalf("expected credentials, got %+v", created)
	}
	if created.Scope != "write read" {
		t.Errorf("scope = %q, want %q", created.Scope, "write read")
	}
	if created.TokenEndpointAuthMethod != storage.AuthMethodClientSecretBasic {
		t.Errorf("auth method = %q", created.TokenEndpointAuthMethod)
	}

	stdout, _, err = executeRootCommand(t, nil, "client", "list", "--json")
	if err != nil {
		t.Fatalf("client list failed: %v", err)
	}
	var listed []clientView
	if err := json.Unmarshal([]byte(stdout), &listed); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if len(listed) != 1 || listed[0].ClientID != created.ClientID || listed[0].ClientSecret != "" {
		t.Errorf("listed = %+v", listed)
	}

	stdout, _, err = executeRootCommand(t, nil, "client", "list")
	if err != nil {
		t.Fatalf("client list failed: %v", err)
	}
	if !strings.Contains(stdout, "CLIENT ID") || !strings.Contains(stdout, created.ClientID) {
		t.Errorf("table output = %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, nil, "client", "delete", created.ClientID)
	if err != nil {
		t.Fatalf("client delete failed: %v", err)
	}
	if stdout != "deleted "+created.ClientID+"\n" {
		t.Errorf("delete output = %q", stdout)
	}

	if _, _, err := executeRootCommand(t, nil, "client", "delete", created.ClientID); err == nil {
		t.Error("deleting an unknown client should fail")
	}

	if _, _, err := executeRootCommand(t, nil, "client", "create", "--grant-type", "authorization_code"); err == nil {
		t.Error("authorization_code client without redirect URI should be rejected")
	}
}

func TestClientCommands_MemoryStore(t *testing.T) {
	t.Setenv("OAUTH2D_STORE", storeMemory)

	_, _, err := executeRootCommand(t, nil, "client", "list")
	if err == nil || !strings.Contains(err.Error(), "durable store") {
		t.Errorf("client list error = %v, want durable store error", err)
	}
}

func TestClientCommands_ValkeyUnreachable(t *testing.T) {
	t.Setenv("OAUTH2D_STORE", storeValkey)
	t.Setenv("OAUTH2D_VALKEY_ADDR", "127.0.0.1:1")

	_, _, err := executeRootCommand(t, nil, "client", "list")
	if err == nil || !strings.Contains(err.Error(), "open store") {
		t.Errorf("client list error = %v, want open store error", err)
	}
}

func TestHTPasswdCommand(t *testing.T) {
	stdout, _, err := executeRootCommand(t, strings.NewReader("hunter2\n"),
		"htpasswd", "frank", "--cost", "4")
	if err != nil {
		t.Fatalf("htpasswd failed: %v", err)
	}
	d, err := static.LoadHTPasswd(strings.NewReader(stdout))
	if err != nil {
		t.Fatalf("output is not a valid htpasswd line: %v", err)
	}
	if _, err := d.AuthenticatePassword(context.Background(), "frank", "hunter2"); err != nil {
		t.Errorf("AuthenticatePassword() error = %v", err)
	}

	if _, _, err := executeRootCommand(t, strings.NewReader(""), "htpasswd", "frank"); err == nil {
		t.Error("expected error without a password")
	}
}

// setupApp wires an in-memory oauth2d with one resource owner
func setupApp(t *testing.T, env map[string]string) *app {
	t.Helper()
	return setupAppWithLogger(t, env, discardLogger())
}

func setupAppWithLogger(t *testing.T, env map[string]string, logger *slog.Logger) *app {
	t.Helper()

	line, err := static.HTPasswdLine("alice", "wonderland", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	htpasswd := filepath.Join(t.TempDir(), "users")
	if err := os.WriteFile(htpasswd, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OAUTH2D_STORE", storeMemory)
	t.Setenv("OAUTH2D_ISSUER", "http://localhost:8080")
	t.Setenv("OAUTH2D_HTPASSWD_FILE", htpasswd)
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })
	return a
}

func TestApp_ConsentKeyWarning(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantWarn bool
	}{
		{"no consent key", nil, true},
		{"consent key", map[string]string{"OAUTH2D_CONSENT_KEY": strings.Repeat("k", oauth.MinConsentKeyLength)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			setupAppWithLogger(t, tt.env, slog.New(slog.NewTextHandler(&logs, nil)))

			got := strings.Contains(logs.String(), "No consent key configured")
			if got != tt.wantWarn {
				t.Errorf("consent key warning logged = %v, want %v\n%s", got, tt.wantWarn, logs.String())
			}
			if got && !strings.Contains(logs.String(), "level=WARN") {
				t.Errorf("consent key warning should be logged at WARN:\n%s", logs.String())
			}
		})
	}
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestApp_Endpoints(t *testing.T) {
	a := setupApp(t, map[string]string{"OAUTH2D_CLIENT_CREDENTIALS_TTL": "5m"})
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(security.RequestIDHeader) == "" {
		t.Error("expected a request ID header")
	}

	resp, body = get(t, ts.URL+oauth.MetadataPath)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata status = %d", resp.StatusCode)
	}
	var meta oauth.AuthorizationServerMetadata
	if err := json.Unmarshal([]byte(body), &meta); err != nil {
		t.Fatalf("invalid metadata: %v", err)
	}
	if meta.Issuer != "http://localhost:8080" || meta.TokenEndpoint != "http://localhost:8080"+oauth.TokenPath {
		t.Errorf("metadata = %+v", meta)
	}
	hasPassword := false
	for _, g := range meta.GrantTypesSupported {
		hasPassword = hasPassword || g == storage.GrantTypePassword
	}
	if !hasPassword {
		t.Errorf("password grant should be advertised with an htpasswd file, got %v", meta.GrantTypesSupported)
	}

	client, secret, err := a.server.RegisterClient(context.Background(), server.ClientRegistration{
		Name:      "svc",
		Scope:     "metrics:read",
		GrantType: storage.GrantTypeClientCredentials,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	conf := &clientcredentials.Config{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		TokenURL:     ts.URL + oauth.TokenPath,
	}
	token, err := conf.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.ExpiresIn != 300 {
		t.Errorf("expires_in = %d, want 300", token.ExpiresIn)
	}

	resp, body = get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "oauth") {
		t.Errorf("metrics = %d, body without oauth metrics", resp.StatusCode)
	}
}

func TestApp_DisabledEndpoints(t *testing.T) {
	a := setupApp(t, map[string]string{
		"OAUTH2D_DISABLED_ENDPOINTS": "metrics,metadata",
		"OAUTH2D_PASSWORD_GRANT":     "false",
	})
	if a.server.PasswordGrantEnabled() {
		t.Error("password grant should be disabled")
	}
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	for _, path := range []string{"/metrics", oauth.MetadataPath} {
		if resp, _ := get(t, ts.URL+path); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	if resp, _ := get(t, ts.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
}

func TestApp_JWTKeyTooShort(t *testing.T) {
	t.Setenv("OAUTH2D_STORE", storeMemory)
	t.Setenv("OAUTH2D_JWT_KEY", "short")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newApp(context.Background(), cfg, discardLogger()); err == nil {
		t.Error("expected error for a short JWT key")
	}
}

func TestApp_ServeShutsDownOnCancel(t *testing.T) {
	a := setupApp(t, map[string]string{"OAUTH2D_SHUTDOWN_TIMEOUT": "2s"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	resp, _ := get(t, "http://"+ln.Addr().String()+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
