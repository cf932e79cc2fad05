package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/owner/mock"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/tokens"
)

const (
	testUsername = "alice"
	testPassword = "correct horse battery staple"
)

var testUser = &owner.User{ID: "user-alice", Username: testUsername, Name: "Alice"}

type testEnv struct {
	srv      *Server
	store    *memory.Store
	clock    *testutil.MockTime
	users    *mock.Authenticator
	auditLog *bytes.Buffer
}

type envOption func(*envConfig)

type envConfig struct {
	config  Config
	factory tokens.Factory
	store   func(*memory.Store) storage.Store
}

func withConfig(fn func(*Config)) envOption {
	return func(c *envConfig) { fn(&c.config) }
}

func withFactory(f tokens.Factory) envOption {
	return func(c *envConfig) { c.factory = f }
}

func withStore(wrap func(*memory.Store) storage.Store) envOption {
	return func(c *envConfig) { c.store = wrap }
}

// setupServer builds a grant engine over a memory store sharing one mock clock
func setupServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{config: Config{Issuer: "https://auth.example"}}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	store := memory.New()
	store.SetClock(clock.Now)
	store.SetLogger(slog.New(slog.DiscardHandler))
	t.Cleanup(store.Stop)

	var backing storage.Store = store
	if cfg.store != nil {
		backing = cfg.store(store)
	}

	users := mock.NewAuthenticator(testUser, testUsername, testPassword)
	srv, err := New(backing, cfg.factory, users, &cfg.config, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetClock(clock.Now)

	var auditLog bytes.Buffer
	srv.SetAuditor(security.NewAuditor(slog.New(slog.NewTextHandler(&auditLog, nil)), true))

	return &testEnv{srv: srv, store: store, clock: clock, users: users, auditLog: &auditLog}
}

// requireOAuthError asserts that err is an *Error with the given code
func requireOAuthError(t *testing.T, err error, code string) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oauthErr.Code != code {
		t.Fatalf("error code = %q, want %q (%v)", oauthErr.Code, code, err)
	}
	return oauthErr
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := New(store, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
	if _, ok := srv.tokens.(*tokens.Random); !ok {
		t.Errorf("default token factory = %T, want *tokens.Random", srv.tokens)
	}
	if srv.Config.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %d, want %d", srv.Config.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if srv.Config.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %d, want %d", srv.Config.RefreshTokenTTL, DefaultRefreshTokenTTL)
	}
	if srv.Config.DisableRefreshTokenRotation {
		t.Error("refresh token rotation must be on by default")
	}
	if srv.Store() != store {
		t.Error("Store() should return the backing store")
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, nil, nil, nil, nil); err == nil {
		t.Fatal("New() without a store should fail")
	}
}

func TestNew_IssuerValidation(t *testing.T) {
	tests := []struct {
		name              string
		issuer            string
		allowInsecureHTTP bool
		wantErr           bool
	}{
		{"https", "https://auth.example", false, false},
		{"empty", "", false, false},
		{"http localhost", "http://localhost:8080", false, false},
		{"http loopback ip", "http://127.0.0.1:8080", false, false},
		{"http remote", "http://auth.example", false, true},
		{"http remote allowed", "http://auth.example", true, false},
		{"bad scheme", "ftp://auth.example", false, true},
		{"unparsable", "https://auth example/%zz", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			defer store.Stop()

			_, err := New(store, nil, nil, &Config{
				Issuer:            tt.issuer,
				AllowInsecureHTTP: tt.allowInsecureHTTP,
			}, slog.New(slog.DiscardHandler))
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplySecureDefaults_Warnings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	config := applySecureDefaults(&Config{
		DisableRefreshTokenRotation: true,
		RefreshTokenTTL:             -1,
		AuthorizationCodeTTL:        3600,
	}, logger)

	if config.AuthorizationCodeTTL != 3600 {
		t.Errorf("AuthorizationCodeTTL = %d, want explicit value kept", config.AuthorizationCodeTTL)
	}
	if got := config.refreshExpiresIn(); got != 0 {
		t.Errorf("refreshExpiresIn() = %d, want 0 for non-expiring refresh tokens", got)
	}
	for _, want := range []string{"rotation is disabled", "never expire", "exceeds the recommended maximum"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %q", want)
		}
	}
}

func TestFinishSpan_NoopSafe(t *testing.T) {
	env := setupServer(t)
	_, span := env.srv.startSpan(context.Background(), "noop")
	finishSpan(span, ErrInvalidGrant("x"))
	finishSpan(span, nil)
	span.End()
}
