// Package storagetest holds a conformance suite run against every storage.Store implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

// Factory creates an empty store that reads time from clock.
// The factory registers its own cleanup.
type Factory func(t *testing.T, clock func() time.Time) storage.Store

// Run executes the conformance suite
func Run(t *testing.T, newStore Factory) {
	t.Run("ClientLifecycle", func(t *testing.T) { testClientLifecycle(t, newStore) })
	t.Run("SaveClientRejectsInvalid", func(t *testing.T) { testSaveClientRejectsInvalid(t, newStore) })
	t.Run("CreateTokenStampsIssuedAt", func(t *testing.T) { testCreateTokenStampsIssuedAt(t, newStore) })
	t.Run("CreateTokenCollision", func(t *testing.T) { testCreateTokenCollision(t, newStore) })
	t.Run("RotateRefreshToken", func(t *testing.T) { testRotateRefreshToken(t, newStore) })
	t.Run("RotateRefreshTokenCollision", func(t *testing.T) { testRotateRefreshTokenCollision(t, newStore) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, newStore) })
	t.Run("DeleteExpiredTokens", func(t *testing.T) { testDeleteExpiredTokens(t, newStore) })
	t.Run("AuthorizationCodeSingleUse", func(t *testing.T) { testAuthorizationCodeSingleUse(t, newStore) })
	t.Run("AuthorizationCodeExpired", func(t *testing.T) { testAuthorizationCodeExpired(t, newStore) })
	t.Run("ConcurrentCodeExchange", func(t *testing.T) { testConcurrentCodeExchange(t, newStore) })
	t.Run("DeleteClientCascades", func(t *testing.T) { testDeleteClientCascades(t, newStore) })
}

func newClock() *testutil.MockTime {
	return testutil.NewMockTime(time.Unix(1_700_000_000, 0))
}

func testClientLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, newClock().Now)

	want := testutil.NewClient(t, "client-a", testutil.WithRedirectURIs("https://a.example/cb", "https://a.example/alt"))
	if err := s.SaveClient(ctx, want); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.SaveClient(ctx, want); !errors.Is(err, storage.ErrClientExists) {
		t.Errorf("SaveClient() duplicate error = %v, want ErrClientExists", err)
	}

	got, err := s.GetClient(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientSecretHash != want.ClientSecretHash || got.Scope != want.Scope ||
		got.GrantType != want.GrantType || got.TokenEndpointAuthMethod != want.TokenEndpointAuthMethod {
		t.Errorf("GetClient() = %+v, want %+v", got, want)
	}
	if len(got.RedirectURIs) != 2 || !got.HasRedirectURI("https://a.example/alt") {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
	if !got.CheckSecret(testutil.TestClientSecret) {
		t.Error("stored client does not verify its secret")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt was not set")
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	testutil.RegisterClient(t, s, "client-b")
	list, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListClients() returned %d clients, want 2", len(list))
	}
}

func testSaveClientRejectsInvalid(t *testing.T, newStore Factory) {
	s := newStore(t, newClock().Now)

	c := testutil.NewClient(t, "bad", testutil.WithGrantType("refresh_token"))
	if err := s.SaveClient(context.Background(), c); !errors.Is(err, storage.ErrInvalidClient) {
		t.Errorf("SaveClient() error = %v, want ErrInvalidClient", err)
	}
}

func testCreateTokenStampsIssuedAt(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")

	tok := &storage.Token{
		ClientID:         "c",
		UserID:           "u",
		GrantType:        storage.GrantTypePassword,
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		Scope:            "read",
		IssuedAt:         42, // overwritten by the store
		ExpiresIn:        3600,
		RefreshExpiresIn: 7200,
	}
	if err := s.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if tok.IssuedAt != clock.Now().Unix() {
		t.Errorf("IssuedAt = %d, want %d", tok.IssuedAt, clock.Now().Unix())
	}
	if tok.ID == "" {
		t.Error("ID was not assigned")
	}

	byAccess, err := s.GetTokenByAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetTokenByAccessToken() error = %v", err)
	}
	if *byAccess != *tok {
		t.Errorf("GetTokenByAccessToken() = %+v, want %+v", byAccess, tok)
	}
	if byAccess.ExpiresAt() != byAccess.IssuedAt+byAccess.ExpiresIn {
		t.Error("ExpiresAt() != IssuedAt + ExpiresIn")
	}

	byRefresh, err := s.GetTokenByRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("GetTokenByRefreshToken() error = %v", err)
	}
	if byRefresh.ID != tok.ID {
		t.Errorf("GetTokenByRefreshToken() ID = %s, want %s", byRefresh.ID, tok.ID)
	}

	if _, err := s.GetTokenByAccessToken(ctx, "nope"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByAccessToken(nope) error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetTokenByRefreshToken(ctx, ""); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByRefreshToken(\"\") error = %v, want ErrTokenNotFound", err)
	}
}

func testCreateTokenCollision(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, newClock().Now)
	testutil.RegisterClient(t, s, "c")

	first := &storage.Token{ClientID: "c", AccessToken: "dup", RefreshToken: "r1", ExpiresIn: 60}
	if err := s.CreateToken(ctx, first); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	tests := []struct {
		name string
		tok  *storage.Token
	}{
		{"access collision", &storage.Token{ClientID: "c", AccessToken: "dup", ExpiresIn: 60}},
		{"refresh collision", &storage.Token{ClientID: "c", AccessToken: "fresh", RefreshToken: "r1", ExpiresIn: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CreateToken(ctx, tt.tok); !errors.Is(err, storage.ErrTokenExists) {
				t.Errorf("CreateToken() error = %v, want ErrTokenExists", err)
			}
		})
	}

	// two tokens without refresh tokens must not collide on the empty string
	for i := range 2 {
		tok := &storage.Token{ClientID: "c", AccessToken: fmt.Sprintf("no-refresh-%d", i), ExpiresIn: 60}
		if err := s.CreateToken(ctx, tok); err != nil {
			t.Fatalf("CreateToken(no refresh %d) error = %v", i, err)
		}
	}
}

func testRotateRefreshToken(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")

	old := &storage.Token{ClientID: "c", UserID: "u", AccessToken: "a", RefreshToken: "r", ExpiresIn: 60}
	if err := s.CreateToken(ctx, old); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	clock.Advance(time.Minute)
	next := &storage.Token{ClientID: "c", UserID: "u", AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 60}
	if err := s.RotateRefreshToken(ctx, "r", next); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if next.ID == "" || next.ID == old.ID {
		t.Errorf("RotateRefreshToken() ID = %q, want a fresh ID", next.ID)
	}
	if next.IssuedAt != clock.Now().Unix() {
		t.Errorf("IssuedAt = %d, want %d", next.IssuedAt, clock.Now().Unix())
	}

	if _, err := s.GetTokenByAccessToken(ctx, "a"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("rotated token still reachable by access token: %v", err)
	}
	if _, err := s.GetTokenByRefreshToken(ctx, "r"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("rotated token still reachable by refresh token: %v", err)
	}
	got, err := s.GetTokenByRefreshToken(ctx, "r2")
	if err != nil {
		t.Fatalf("GetTokenByRefreshToken(r2) error = %v", err)
	}
	if got.ID != next.ID {
		t.Errorf("GetTokenByRefreshToken(r2) ID = %s, want %s", got.ID, next.ID)
	}

	if err := s.RotateRefreshToken(ctx, "r", &storage.Token{ClientID: "c", AccessToken: "a3", RefreshToken: "r3", ExpiresIn: 60}); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second RotateRefreshToken() error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetTokenByAccessToken(ctx, "a3"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("failed rotation stored its token: %v", err)
	}

	// the successor may reuse the strings of the token it replaces
	same := &storage.Token{ClientID: "c", AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 60}
	if err := s.RotateRefreshToken(ctx, "r2", same); err != nil {
		t.Fatalf("RotateRefreshToken(same strings) error = %v", err)
	}
	if got, err := s.GetTokenByAccessToken(ctx, "a2"); err != nil || got.ID != same.ID {
		t.Errorf("GetTokenByAccessToken(a2) = %+v, %v, want ID %s", got, err, same.ID)
	}
}

func testRotateRefreshTokenCollision(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, newClock().Now)
	testutil.RegisterClient(t, s, "c")

	old := &storage.Token{ClientID: "c", AccessToken: "a", RefreshToken: "r", ExpiresIn: 60}
	if err := s.CreateToken(ctx, old); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if err := s.CreateToken(ctx, &storage.Token{ClientID: "c", AccessToken: "taken", RefreshToken: "taken-r", ExpiresIn: 60}); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	tests := []struct {
		name string
		next *storage.Token
		want error
	}{
		{"access collision", &storage.Token{ClientID: "c", AccessToken: "taken", RefreshToken: "r2", ExpiresIn: 60}, storage.ErrTokenExists},
		{"refresh collision", &storage.Token{ClientID: "c", AccessToken: "a2", RefreshToken: "taken-r", ExpiresIn: 60}, storage.ErrTokenExists},
		{"unknown client", &storage.Token{ClientID: "gone", AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 60}, storage.ErrClientNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RotateRefreshToken(ctx, "r", tt.next); !errors.Is(err, tt.want) {
				t.Errorf("RotateRefreshToken() error = %v, want %v", err, tt.want)
			}
			got, err := s.GetTokenByRefreshToken(ctx, "r")
			if err != nil {
				t.Fatalf("old token lost after failed rotation: %v", err)
			}
			if got.ID != old.ID {
				t.Errorf("GetTokenByRefreshToken(r) ID = %s, want %s", got.ID, old.ID)
			}
			if _, err := s.GetTokenByAccessToken(ctx, "a"); err != nil {
				t.Errorf("old access token lost after failed rotation: %v", err)
			}
		})
	}
}

func testConcurrentRotate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, newClock().Now)
	testutil.RegisterClient(t, s, "c")

	if err := s.CreateToken(ctx, &storage.Token{ClientID: "c", AccessToken: "a", RefreshToken: "r", ExpiresIn: 60}); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := &storage.Token{
				ClientID:     "c",
				AccessToken:  fmt.Sprintf("a-%d", i),
				RefreshToken: fmt.Sprintf("r-%d", i),
				ExpiresIn:    60,
			}
			err := s.RotateRefreshToken(ctx, "r", next)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrTokenNotFound):
				lost.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("RotateRefreshToken succeeded %d times, want 1", wins.Load())
	}
	if lost.Load() != 15 {
		t.Errorf("RotateRefreshToken reported ErrTokenNotFound %d times, want 15", lost.Load())
	}
}

func testDeleteExpiredTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")

	tokens := []*storage.Token{
		{ClientID: "c", AccessToken: "short", ExpiresIn: 10},
		{ClientID: "c", AccessToken: "long", ExpiresIn: 1000},
		{ClientID: "c", AccessToken: "refreshable", RefreshToken: "r", ExpiresIn: 10, RefreshExpiresIn: 1000},
	}
	for _, tok := range tokens {
		if err := s.CreateToken(ctx, tok); err != nil {
			t.Fatalf("CreateToken(%s) error = %v", tok.AccessToken, err)
		}
	}

	n, err := s.DeleteExpiredTokens(ctx, clock.Now().Add(100*time.Second))
	if err != nil {
		t.Fatalf("DeleteExpiredTokens() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpiredTokens() = %d, want 1", n)
	}
	if _, err := s.GetTokenByAccessToken(ctx, "short"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Error("expired token was not deleted")
	}
	for _, keep := range []string{"long", "refreshable"} {
		if _, err := s.GetTokenByAccessToken(ctx, keep); err != nil {
			t.Errorf("token %s should survive: %v", keep, err)
		}
	}
}

func saveCode(t *testing.T, s storage.Store, code string, expiresAt time.Time) {
	t.Helper()
	err := s.SaveAuthorizationCode(context.Background(), &storage.AuthorizationCode{
		Code:        code,
		ClientID:    "c",
		RedirectURI: testutil.TestRedirectURI,
		Scope:       "read",
		UserID:      "u",
		CreatedAt:   expiresAt.Add(-10 * time.Minute),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
}

func testAuthorizationCodeSingleUse(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")
	saveCode(t, s, "code-1", clock.Now().Add(10*time.Minute))

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "code-1", ClientID: "c", ExpiresAt: clock.Now()}); !errors.Is(err, storage.ErrAuthorizationCodeExists) {
		t.Errorf("duplicate SaveAuthorizationCode() error = %v, want ErrAuthorizationCodeExists", err)
	}

	got, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if err != nil {
		t.Fatalf("AtomicCheckAndMarkAuthCodeUsed() error = %v", err)
	}
	if got.ClientID != "c" || got.RedirectURI != testutil.TestRedirectURI || got.Scope != "read" || got.UserID != "u" {
		t.Errorf("AtomicCheckAndMarkAuthCodeUsed() = %+v", got)
	}

	reused, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second AtomicCheckAndMarkAuthCodeUsed() error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if reused == nil || reused.ClientID != "c" {
		t.Errorf("reuse should return the code for attribution, got %+v", reused)
	}

	stored, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if !stored.Used {
		t.Error("code not marked used")
	}

	if _, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "missing"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("missing code error = %v, want ErrAuthorizationCodeNotFound", err)
	}

	if err := s.DeleteAuthorizationCode(ctx, "code-1"); err != nil {
		t.Fatalf("DeleteAuthorizationCode() error = %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("deleted code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func testAuthorizationCodeExpired(t *testing.T, newStore Factory) {
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")
	saveCode(t, s, "code-exp", clock.Now().Add(time.Minute))

	clock.Advance(time.Minute)
	if _, err := s.AtomicCheckAndMarkAuthCodeUsed(context.Background(), "code-exp"); !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("expired code error = %v, want ErrAuthorizationCodeExpired", err)
	}
}

func testConcurrentCodeExchange(t *testing.T, newStore Factory) {
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")
	saveCode(t, s, "race", clock.Now().Add(time.Minute))

	var wins, reuses atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicCheckAndMarkAuthCodeUsed(context.Background(), "race")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				reuses.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("code accepted %d times, want exactly 1", wins.Load())
	}
	if reuses.Load() != 19 {
		t.Errorf("reuse detected %d times, want 19", reuses.Load())
	}
}

func testDeleteClientCascades(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, clock.Now)
	testutil.RegisterClient(t, s, "c")
	testutil.RegisterClient(t, s, "other")

	if err := s.CreateToken(ctx, &storage.Token{ClientID: "c", AccessToken: "a", RefreshToken: "r", ExpiresIn: 60}); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if err := s.CreateToken(ctx, &storage.Token{ClientID: "other", AccessToken: "b", ExpiresIn: 60}); err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	saveCode(t, s, "code", clock.Now().Add(time.Minute))

	if err := s.DeleteClient(ctx, "c"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, "c"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("deleted client still present: %v", err)
	}
	if _, err := s.GetTokenByAccessToken(ctx, "a"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("token of deleted client still present: %v", err)
	}
	if _, err := s.GetTokenByRefreshToken(ctx, "r"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("refresh token of deleted client still present: %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, "code"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("code of deleted client still present: %v", err)
	}
	if _, err := s.GetTokenByAccessToken(ctx, "b"); err != nil {
		t.Errorf("token of other client was deleted: %v", err)
	}
	if err := s.DeleteClient(ctx, "c"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("second DeleteClient() error = %v, want ErrClientNotFound", err)
	}
}
