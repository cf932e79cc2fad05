package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/storage"
)

// TestClientSecret is the plaintext secret of clients created by NewClient
const TestClientSecret = "test-client-secret"

// TestRedirectURI is the redirect URI registered for clients created by NewClient
const TestRedirectURI = "https://client.example/cb"

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// ClientOption customizes a client built by NewClient
type ClientOption func(*storage.Client)

// WithScope sets the client scope
func WithScope(scope string) ClientOption {
	return func(c *storage.Client) { c.Scope = scope }
}

// WithGrantType sets the client grant type
func WithGrantType(grantType string) ClientOption {
	return func(c *storage.Client) { c.GrantType = grantType }
}

// WithResponseType sets the client response type
func WithResponseType(responseType string) ClientOption {
	return func(c *storage.Client) { c.ResponseType = responseType }
}

// WithAuthMethod sets the token endpoint auth method
func WithAuthMethod(method string) ClientOption {
	return func(c *storage.Client) { c.TokenEndpointAuthMethod = method }
}

// WithRedirectURIs replaces the registered redirect URIs
func WithRedirectURIs(uris ...string) ClientOption {
	return func(c *storage.Client) { c.RedirectURIs = uris }
}

// Public removes the client secret
func Public() ClientOption {
	return func(c *storage.Client) { c.ClientSecretHash = "" }
}

// NewClient builds a valid confidential client whose secret is TestClientSecret.
// The hash uses bcrypt.MinCost to keep tests fast.
func NewClient(t testing.TB, clientID string, opts ...ClientOption) *storage.Client {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash client secret: %v", err)
	}
	c := &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: string(hash),
		ClientName:       "Test Client " + clientID,
		UserID:           "owner-1",
		Scope:            "read write",
		ResponseType:     storage.ResponseTypeCode,
		GrantType:        storage.GrantTypeAuthorizationCode,
		RedirectURIs:     []string{TestRedirectURI},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ApplyDefaults()
	return c
}

// RegisterClient builds a client with NewClient and saves it in store
func RegisterClient(t testing.TB, store storage.ClientStore, clientID string, opts ...ClientOption) *storage.Client {
	t.Helper()

	c := NewClient(t, clientID, opts...)
	if err := store.SaveClient(context.Background(), c); err != nil {
		t.Fatalf("SaveClient(%s) error = %v", clientID, err)
	}
	return c
}

// GenerateRandomString returns a URL-safe random string of about length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
