package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	storemock "github.com/giantswarm/oauth2-server/storage/mock"
	"github.com/giantswarm/oauth2-server/tokens"
)

// issueCode runs the authorize flow for abc123 and returns the code
func issueCode(t *testing.T, env *testEnv, scope string) string {
	t.Helper()
	ctx := context.Background()
	grant, err := env.srv.ValidateAuthorizationRequest(ctx, AuthorizationRequest{
		ClientID:     "abc123",
		RedirectURI:  appRedirectURI,
		ResponseType: "code",
		Scope:        scope,
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	location, err := env.srv.CompleteAuthorization(ctx, grant, testUser)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	_, params := splitLocation(t, location, false)
	return params.Get("code")
}

func TestAuthenticateClient(t *testing.T) {
	env := setupServer(t)
	testutil.RegisterClient(t, env.store, "basic")
	testutil.RegisterClient(t, env.store, "post", testutil.WithAuthMethod(storage.AuthMethodClientSecretPost))
	testutil.RegisterClient(t, env.store, "public", testutil.Public())
	testutil.RegisterClient(t, env.store, "secret-none", testutil.WithAuthMethod(storage.AuthMethodNone))

	tests := []struct {
		name    string
		creds   ClientCredentials
		wantErr bool
	}{
		{"basic ok", ClientCredentials{"basic", testutil.TestClientSecret, storage.AuthMethodClientSecretBasic}, false},
		{"basic wrong secret", ClientCredentials{"basic", "nope", storage.AuthMethodClientSecretBasic}, true},
		{"basic empty secret", ClientCredentials{"basic", "", storage.AuthMethodClientSecretBasic}, true},
		{"basic client using post", ClientCredentials{"basic", testutil.TestClientSecret, storage.AuthMethodClientSecretPost}, true},
		{"post ok", ClientCredentials{"post", testutil.TestClientSecret, storage.AuthMethodClientSecretPost}, false},
		{"post client using basic", ClientCredentials{"post", testutil.TestClientSecret, storage.AuthMethodClientSecretBasic}, true},
		{"public ok", ClientCredentials{"public", "", storage.AuthMethodNone}, false},
		{"public using basic", ClientCredentials{"public", "x", storage.AuthMethodClientSecretBasic}, true},
		{"confidential client registered with none", ClientCredentials{"secret-none", "", storage.AuthMethodNone}, true},
		{"unknown client", ClientCredentials{"ghost", "x", storage.AuthMethodClientSecretBasic}, true},
		{"missing client id", ClientCredentials{"", "", storage.AuthMethodNone}, true},
		{"unknown method", ClientCredentials{"basic", testutil.TestClientSecret, "private_key_jwt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := env.srv.AuthenticateClient(context.Background(), tt.creds)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("AuthenticateClient() error = %v", err)
				}
				if client.ClientID != tt.creds.ClientID {
					t.Errorf("ClientID = %q, want %q", client.ClientID, tt.creds.ClientID)
				}
				return
			}
			oauthErr := requireOAuthError(t, err, ErrorCodeInvalidClient)
			if oauthErr.Status != http.StatusUnauthorized {
				t.Errorf("Status = %d, want 401", oauthErr.Status)
			}
		})
	}
}

func TestIssueToken_GrantTypePermitted(t *testing.T) {
	tests := []struct {
		clientGrant string
		requested   string
		want        bool
	}{
		{storage.GrantTypeAuthorizationCode, storage.GrantTypeAuthorizationCode, true},
		{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken, true},
		{storage.GrantTypeAuthorizationCode, storage.GrantTypePassword, false},
		{storage.GrantTypePassword, storage.GrantTypeRefreshToken, true},
		{storage.GrantTypeClientCredentials, storage.GrantTypeRefreshToken, false},
		{storage.GrantTypeClientCredentials, storage.GrantTypeClientCredentials, true},
		{storage.GrantTypeImplicit, storage.GrantTypeImplicit, false},
		{storage.GrantTypeImplicit, storage.GrantTypeRefreshToken, false},
		{storage.GrantTypePassword, "urn:ietf:params:oauth:grant-type:device_code", false},
	}

	for _, tt := range tests {
		t.Run(tt.clientGrant+"/"+tt.requested, func(t *testing.T) {
			client := &storage.Client{GrantType: tt.clientGrant}
			if got := grantTypePermitted(client, tt.requested); got != tt.want {
				t.Errorf("grantTypePermitted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIssueToken_RequestErrors(t *testing.T) {
	env := setupServer(t)
	client := registerABC123(t, env)

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{"missing grant_type", TokenRequest{}, ErrorCodeInvalidRequest},
		{"grant not allowed", TokenRequest{GrantType: storage.GrantTypePassword, Username: "a", Password: "b"}, ErrorCodeUnsupportedGrantType},
		{"unknown grant", TokenRequest{GrantType: "magic"}, ErrorCodeUnsupportedGrantType},
		{"missing code", TokenRequest{GrantType: storage.GrantTypeAuthorizationCode, RedirectURI: appRedirectURI}, ErrorCodeInvalidRequest},
		{"missing refresh token", TokenRequest{GrantType: storage.GrantTypeRefreshToken}, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.srv.IssueToken(context.Background(), client, tt.req)
			if resp != nil {
				t.Error("response must be nil on error")
			}
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestAuthorizationCodeGrant_ABC123(t *testing.T) {
	env := setupServer(t)
	client := registerABC123(t, env)
	ctx := context.Background()

	code := issueCode(t, env, "write admin")

	resp, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        code,
		RedirectURI: appRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Errorf("expected access and refresh tokens, got %+v", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Scope != "write" {
		t.Errorf("Scope = %q, want write", resp.Scope)
	}

	stored, err := env.store.GetTokenByAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccessToken() error = %v", err)
	}
	if stored.IssuedAt != env.clock.Now().Unix() {
		t.Errorf("IssuedAt = %d, want %d", stored.IssuedAt, env.clock.Now().Unix())
	}
	if stored.RefreshExpiresIn != DefaultRefreshTokenTTL {
		t.Errorf("RefreshExpiresIn = %d, want %d", stored.RefreshExpiresIn, DefaultRefreshTokenTTL)
	}
	if stored.UserID != testUser.ID {
		t.Errorf("UserID = %q, want %q", stored.UserID, testUser.ID)
	}

	// second exchange of the same code
	_, err = env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        code,
		RedirectURI: appRedirectURI,
	})
	oauthErr := requireOAuthError(t, err, ErrorCodeInvalidGrant)
	if oauthErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", oauthErr.Status)
	}
	if !strings.Contains(env.auditLog.String(), "authorization_code_reuse_detected") {
		t.Error("code reuse should be audited")
	}
}

func TestAuthorizationCodeGrant_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client
	}{
		{
			name: "unknown code",
			mutate: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				req.Code = "not-a-code"
				return nil
			},
		},
		{
			name: "redirect_uri mismatch",
			mutate: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				req.RedirectURI = "https://app.example/other"
				return nil
			},
		},
		{
			name: "redirect_uri omitted",
			mutate: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				req.RedirectURI = ""
				return nil
			},
		},
		{
			name: "code issued to another client",
			mutate: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				return testutil.RegisterClient(t, env.store, "other", testutil.WithRedirectURIs(appRedirectURI))
			},
		},
		{
			name: "expired code",
			mutate: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				env.clock.Advance(601 * time.Second)
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t)
			client := registerABC123(t, env)

			req := TokenRequest{
				GrantType:   storage.GrantTypeAuthorizationCode,
				Code:        issueCode(t, env, "read"),
				RedirectURI: appRedirectURI,
			}
			if other := tt.mutate(t, env, &req); other != nil {
				client = other
			}

			_, err := env.srv.IssueToken(context.Background(), client, req)
			requireOAuthError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestAuthorizationCodeGrant_ConcurrentExchange(t *testing.T) {
	env := setupServer(t)
	client := registerABC123(t, env)
	code := issueCode(t, env, "read")

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.IssueToken(context.Background(), client, TokenRequest{
				GrantType:   storage.GrantTypeAuthorizationCode,
				Code:        code,
				RedirectURI: appRedirectURI,
			})
			mu.Lock()
			defer mu.Unlock()
			var oauthErr *Error
			switch {
			case err == nil:
				successes++
			case errors.As(err, &oauthErr) && oauthErr.Code == ErrorCodeInvalidGrant:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if rejected != attempts-1 {
		t.Errorf("rejected = %d, want %d", rejected, attempts-1)
	}
}

func TestPasswordGrant(t *testing.T) {
	env := setupServer(t)
	client := testutil.RegisterClient(t, env.store, "cli", testutil.WithGrantType(storage.GrantTypePassword))
	ctx := context.Background()

	tests := []struct {
		name      string
		req       TokenRequest
		wantCode  string
		wantScope string
	}{
		{
			name:      "valid credentials",
			req:       TokenRequest{GrantType: storage.GrantTypePassword, Username: testUsername, Password: testPassword, Scope: "write admin"},
			wantScope: "write",
		},
		{
			name:     "wrong password",
			req:      TokenRequest{GrantType: storage.GrantTypePassword, Username: testUsername, Password: "nope"},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "missing password",
			req:      TokenRequest{GrantType: storage.GrantTypePassword, Username: testUsername},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.srv.IssueToken(ctx, client, tt.req)
			if tt.wantCode != "" {
				requireOAuthError(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("IssueToken() error = %v", err)
			}
			if resp.Scope != tt.wantScope {
				t.Errorf("Scope = %q, want %q", resp.Scope, tt.wantScope)
			}
			if resp.RefreshToken == "" {
				t.Error("password grant should issue a refresh token")
			}
			stored, err := env.store.GetTokenByAccessToken(ctx, resp.AccessToken)
			if err != nil {
				t.Fatalf("GetTokenByAccessToken() error = %v", err)
			}
			if stored.UserID != testUser.ID {
				t.Errorf("UserID = %q, want %q", stored.UserID, testUser.ID)
			}
		})
	}

	if env.users.CallCount("AuthenticatePassword") != 2 {
		t.Errorf("AuthenticatePassword calls = %d, want 2", env.users.CallCount("AuthenticatePassword"))
	}
}

func TestPasswordGrant_AuthenticatorFailure(t *testing.T) {
	env := setupServer(t)
	client := testutil.RegisterClient(t, env.store, "cli", testutil.WithGrantType(storage.GrantTypePassword))
	env.users.AuthenticatePasswordFunc = func(ctx context.Context, username, password string) (*owner.User, error) {
		return nil, errors.New("directory unavailable")
	}

	_, err := env.srv.IssueToken(context.Background(), client, TokenRequest{
		GrantType: storage.GrantTypePassword, Username: "a", Password: "b",
	})
	requireOAuthError(t, err, ErrorCodeServerError)
}

func TestPasswordGrant_Disabled(t *testing.T) {
	env := setupServer(t)
	env.srv.passwords = nil
	client := testutil.RegisterClient(t, env.store, "cli", testutil.WithGrantType(storage.GrantTypePassword))

	_, err := env.srv.IssueToken(context.Background(), client, TokenRequest{
		GrantType: storage.GrantTypePassword, Username: testUsername, Password: testPassword,
	})
	requireOAuthError(t, err, ErrorCodeUnsupportedGrantType)
}

func TestClientCredentialsGrant(t *testing.T) {
	env := setupServer(t)
	client := testutil.RegisterClient(t, env.store, "svc",
		testutil.WithGrantType(storage.GrantTypeClientCredentials),
		testutil.WithScope("metrics:read metrics:write"))
	ctx := context.Background()

	resp, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Scope:     "metrics:read admin",
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if resp.Scope != "metrics:read" {
		t.Errorf("Scope = %q, want metrics:read", resp.Scope)
	}
	if resp.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}

	stored, err := env.store.GetTokenByAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccessToken() error = %v", err)
	}
	if stored.UserID != "" {
		t.Errorf("UserID = %q, want empty", stored.UserID)
	}
}

func TestClientCredentialsGrant_PublicClient(t *testing.T) {
	env := setupServer(t)
	// a public client cannot be registered for client_credentials, so build it directly
	client := &storage.Client{
		ClientID:                "public-svc",
		GrantType:               storage.GrantTypeClientCredentials,
		TokenEndpointAuthMethod: storage.AuthMethodNone,
	}

	_, err := env.srv.IssueToken(context.Background(), client, TokenRequest{GrantType: storage.GrantTypeClientCredentials})
	requireOAuthError(t, err, ErrorCodeUnauthorizedClient)
}

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	env := setupServer(t)
	client := registerABC123(t, env)
	ctx := context.Background()

	first, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        issueCode(t, env, "read write"),
		RedirectURI: appRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	second, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Errorf("rotation should return a new refresh token, got %q", second.RefreshToken)
	}
	if second.Scope != "read write" {
		t.Errorf("Scope = %q, want the original scope", second.Scope)
	}

	stored, err := env.store.GetTokenByAccessToken(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccessToken() error = %v", err)
	}
	if stored.UserID != testUser.ID || stored.GrantType != storage.GrantTypeRefreshToken {
		t.Errorf("refreshed token = %+v", stored)
	}

	// the consumed refresh token is gone
	_, err = env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	// the rotated one still works
	if _, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		RefreshToken: second.RefreshToken,
	}); err != nil {
		t.Fatalf("refresh with rotated token error = %v", err)
	}
}

func TestRefreshTokenGrant_RotationDisabled(t *testing.T) {
	env := setupServer(t, withConfig(func(c *Config) { c.DisableRefreshTokenRotation = true }))
	client := registerABC123(t, env)
	ctx := context.Background()

	first, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        issueCode(t, env, "read"),
		RedirectURI: appRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	for i := range 2 {
		resp, err := env.srv.IssueToken(ctx, client, TokenRequest{
			GrantType:    storage.GrantTypeRefreshToken,
			RefreshToken: first.RefreshToken,
		})
		if err != nil {
			t.Fatalf("refresh %d error = %v", i+1, err)
		}
		if resp.RefreshToken != first.RefreshToken {
			t.Errorf("refresh %d returned %q, want the original refresh token", i+1, resp.RefreshToken)
		}
		if resp.AccessToken == first.AccessToken {
			t.Error("refresh must issue a new access token")
		}
	}
}

func TestRefreshTokenGrant_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client
		wantCode string
	}{
		{
			name: "unknown refresh token",
			setup: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				req.RefreshToken = "unknown"
				return nil
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "token of another client",
			setup: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				return testutil.RegisterClient(t, env.store, "other", testutil.WithRedirectURIs(appRedirectURI))
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "refresh token expired",
			setup: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				env.clock.Advance(time.Duration(DefaultRefreshTokenTTL) * time.Second)
				return nil
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "scope beyond the original",
			setup: func(t *testing.T, env *testEnv, req *TokenRequest) *storage.Client {
				req.Scope = "read write"
				return nil
			},
			wantCode: ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t)
			client := registerABC123(t, env)
			ctx := context.Background()

			first, err := env.srv.IssueToken(ctx, client, TokenRequest{
				GrantType:   storage.GrantTypeAuthorizationCode,
				Code:        issueCode(t, env, "read"),
				RedirectURI: appRedirectURI,
			})
			if err != nil {
				t.Fatalf("IssueToken() error = %v", err)
			}

			req := TokenRequest{GrantType: storage.GrantTypeRefreshToken, RefreshToken: first.RefreshToken}
			if other := tt.setup(t, env, &req); other != nil {
				client = other
			}

			_, err = env.srv.IssueToken(ctx, client, req)
			requireOAuthError(t, err, tt.wantCode)

			// a rejected refresh must not consume the token
			if tt.name != "unknown refresh token" && tt.name != "refresh token expired" {
				if _, err := env.store.GetTokenByRefreshToken(ctx, first.RefreshToken); err != nil {
					t.Errorf("refresh token should survive a rejected request: %v", err)
				}
			}
		})
	}
}

func TestRefreshTokenGrant_NarrowScope(t *testing.T) {
	env := setupServer(t)
	client := registerABC123(t, env)
	ctx := context.Background()

	first, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        issueCode(t, env, "read write"),
		RedirectURI: appRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	resp, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		Scope:        "write",
	})
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if resp.Scope != "write" {
		t.Errorf("Scope = %q, want write", resp.Scope)
	}
}

// sequenceFactory hands out predetermined access tokens before falling back to random ones
type sequenceFactory struct {
	*tokens.Random
	mu     sync.Mutex
	access []string
}

func (f *sequenceFactory) AccessToken(ctx context.Context, client *storage.Client, grantType string, user *owner.User, scope string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.access) > 0 {
		next := f.access[0]
		f.access = f.access[1:]
		return next, nil
	}
	return f.Random.AccessToken(ctx, client, grantType, user, scope)
}

func TestIssueToken_RetriesCollisions(t *testing.T) {
	tests := []struct {
		name       string
		duplicates int
		wantErr    bool
	}{
		{"two collisions then success", 2, false},
		{"collisions exhaust attempts", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access := make([]string, tt.duplicates)
			for i := range access {
				access[i] = "taken"
			}
			factory := &sequenceFactory{Random: tokens.NewRandom(tokens.Lifetimes{}), access: access}
			env := setupServer(t, withFactory(factory))
			client := testutil.RegisterClient(t, env.store, "svc", testutil.WithGrantType(storage.GrantTypeClientCredentials))
			ctx := context.Background()

			if err := env.store.CreateToken(ctx, &storage.Token{ClientID: "svc", AccessToken: "taken", ExpiresIn: 60}); err != nil {
				t.Fatalf("CreateToken() error = %v", err)
			}

			resp, err := env.srv.IssueToken(ctx, client, TokenRequest{GrantType: storage.GrantTypeClientCredentials})
			if tt.wantErr {
				requireOAuthError(t, err, ErrorCodeServerError)
				return
			}
			if err != nil {
				t.Fatalf("IssueToken() error = %v", err)
			}
			if resp.AccessToken == "taken" {
				t.Error("colliding token must not be returned")
			}
		})
	}
}

func TestIssueToken_FactoryNotConfigured(t *testing.T) {
	env := setupServer(t, withFactory(tokens.NotConfigured{}))
	client := registerABC123(t, env)
	ctx := context.Background()

	_, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        issueCode(t, env, "read"),
		RedirectURI: appRedirectURI,
	})
	oauthErr := requireOAuthError(t, err, ErrorCodeServerError)
	if !errors.Is(oauthErr, tokens.ErrNotConfigured) {
		t.Errorf("cause = %v, want ErrNotConfigured", oauthErr.Err)
	}
	if oauthErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", oauthErr.Status)
	}
}

func TestIssueToken_StoreFailure(t *testing.T) {
	var store *storemock.Store
	env := setupServer(t, withStore(func(m *memory.Store) storage.Store {
		store = storemock.NewStore(m)
		store.CreateTokenFunc = func(context.Context, *storage.Token) error {
			return errors.New("disk full")
		}
		return store
	}))
	client := testutil.RegisterClient(t, env.store, "svc", testutil.WithGrantType(storage.GrantTypeClientCredentials))

	_, err := env.srv.IssueToken(context.Background(), client, TokenRequest{GrantType: storage.GrantTypeClientCredentials})
	requireOAuthError(t, err, ErrorCodeServerError)
	if got := store.CallCount("CreateToken"); got != 1 {
		t.Errorf("CreateToken calls = %d, want 1", got)
	}
}

func TestRefreshTokenGrant_LostRotationRace(t *testing.T) {
	var store *storemock.Store
	env := setupServer(t, withStore(func(m *memory.Store) storage.Store {
		store = storemock.NewStore(m)
		return store
	}))
	client := registerABC123(t, env)
	ctx := context.Background()

	first, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        issueCode(t, env, "read"),
		RedirectURI: appRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	// a concurrent refresh rotates the token after our lookup
	store.RotateRefreshTokenFunc = func(context.Context, string, *storage.Token) error {
		return storage.ErrTokenNotFound
	}
	store.ResetCallCounts()

	_, err = env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
	if got := store.CallCount("RotateRefreshToken"); got != 1 {
		t.Errorf("RotateRefreshToken calls = %d, want 1", got)
	}
	if got := store.CallCount("CreateToken"); got != 0 {
		t.Errorf("CreateToken calls = %d, want 0 when rotating", got)
	}
}

func TestRefreshTokenGrant_StoreFailureKeepsOldToken(t *testing.T) {
	var store *storemock.Store
	env := setupServer(t, withStore(func(m *memory.Store) storage.Store {
		store = storemock.NewStore(m)
		return store
	}))
	client := registerABC123(t, env)
	ctx := context.Background()

	first, err := env.srv.IssueToken(ctx, client, TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Code:        issueCode(t, env, "read"),
		RedirectURI: appRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	rotate := store.RotateRefreshTokenFunc
	var presented *storage.Token
	store.RotateRefreshTokenFunc = func(_ context.Context, _ string, next *storage.Token) error {
		presented = next.Clone()
		return errors.New("disk full")
	}

	refresh := TokenRequest{GrantType: storage.GrantTypeRefreshToken, RefreshToken: first.RefreshToken}
	_, err = env.srv.IssueToken(ctx, client, refresh)
	requireOAuthError(t, err, ErrorCodeServerError)

	if presented == nil || presented.AccessToken == "" || presented.RefreshToken == "" {
		t.Fatalf("rotation was not handed generated token strings: %+v", presented)
	}
	if _, err := env.store.GetTokenByRefreshToken(ctx, first.RefreshToken); err != nil {
		t.Errorf("old refresh token lost after store failure: %v", err)
	}
	if _, err := env.store.GetTokenByAccessToken(ctx, first.AccessToken); err != nil {
		t.Errorf("old access token lost after store failure: %v", err)
	}
	if _, err := env.store.GetTokenByAccessToken(ctx, presented.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("failed rotation stored its access token: %v", err)
	}

	// the client retries once the store recovers
	store.RotateRefreshTokenFunc = rotate
	second, err := env.srv.IssueToken(ctx, client, refresh)
	if err != nil {
		t.Fatalf("retried refresh error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("retried refresh did not rotate the refresh token")
	}
}

func TestIssueToken_JWTFactory(t *testing.T) {
	factory, err := tokens.NewJWT([]byte(strings.Repeat("s", tokens.MinJWTKeyLength)), "https://auth.example", tokens.Lifetimes{
		ByGrant: map[string]int64{storage.GrantTypeClientCredentials: 300},
	})
	if err != nil {
		t.Fatalf("NewJWT() error = %v", err)
	}
	env := setupServer(t, withFactory(factory))
	client := testutil.RegisterClient(t, env.store, "svc", testutil.WithGrantType(storage.GrantTypeClientCredentials))

	resp, err := env.srv.IssueToken(context.Background(), client, TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Scope:     "read",
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if resp.ExpiresIn != 300 {
		t.Errorf("ExpiresIn = %d, want 300", resp.ExpiresIn)
	}
	claims, err := factory.Parse(resp.AccessToken)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "svc" || claims.Scope != "read" {
		t.Errorf("claims = %+v", claims)
	}
}
