// Package mock provides a mock storage.Store for testing failure paths.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// Store is a mock implementation of storage.Store. Every method calls its
// Func field; NewStore points the fields at a backing store so tests only
// override the calls they care about.
type Store struct {
	SaveClientFunc                     func(ctx context.Context, client *storage.Client) error
	GetClientFunc                      func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc                    func(ctx context.Context) ([]*storage.Client, error)
	DeleteClientFunc                   func(ctx context.Context, clientID string) error
	CreateTokenFunc                    func(ctx context.Context, token *storage.Token) error
	GetTokenByAccessTokenFunc          func(ctx context.Context, accessToken string) (*storage.Token, error)
	GetTokenByRefreshTokenFunc         func(ctx context.Context, refreshToken string) (*storage.Token, error)
	RotateRefreshTokenFunc             func(ctx context.Context, refreshToken string, next *storage.Token) error
	DeleteExpiredTokensFunc            func(ctx context.Context, now time.Time) (int, error)
	SaveAuthorizationCodeFunc          func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc           func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	AtomicCheckAndMarkAuthCodeUsedFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc        func(ctx context.Context, code string) error

	mu    sync.Mutex
	calls map[string]int
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a mock whose methods delegate to backing
func NewStore(backing storage.Store) *Store {
	return &Store{
		SaveClientFunc:                     backing.SaveClient,
		GetClientFunc:                      backing.GetClient,
		ListClientsFunc:                    backing.ListClients,
		DeleteClientFunc:                   backing.DeleteClient,
		CreateTokenFunc:                    backing.CreateToken,
		GetTokenByAccessTokenFunc:          backing.GetTokenByAccessToken,
		GetTokenByRefreshTokenFunc:         backing.GetTokenByRefreshToken,
		RotateRefreshTokenFunc:             backing.RotateRefreshToken,
		DeleteExpiredTokensFunc:            backing.DeleteExpiredTokens,
		SaveAuthorizationCodeFunc:          backing.SaveAuthorizationCode,
		GetAuthorizationCodeFunc:           backing.GetAuthorizationCode,
		AtomicCheckAndMarkAuthCodeUsedFunc: backing.AtomicCheckAndMarkAuthCodeUsed,
		DeleteAuthorizationCodeFunc:        backing.DeleteAuthorizationCode,
		calls:                              make(map[string]int),
	}
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

// CallCount returns how often method was called
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// ResetCallCounts resets all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// SaveClient registers a client
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient retrieves a client
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// ListClients lists clients
func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	return m.ListClientsFunc(ctx)
}

// DeleteClient removes a client
func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	m.record("DeleteClient")
	return m.DeleteClientFunc(ctx, clientID)
}

// CreateToken persists a token
func (m *Store) CreateToken(ctx context.Context, token *storage.Token) error {
	m.record("CreateToken")
	return m.CreateTokenFunc(ctx, token)
}

// GetTokenByAccessToken looks a token up by access token
func (m *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	m.record("GetTokenByAccessToken")
	return m.GetTokenByAccessTokenFunc(ctx, accessToken)
}

// GetTokenByRefreshToken looks a token up by refresh token
func (m *Store) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	m.record("GetTokenByRefreshToken")
	return m.GetTokenByRefreshTokenFunc(ctx, refreshToken)
}

// RotateRefreshToken replaces the token owning refreshToken with next
func (m *Store) RotateRefreshToken(ctx context.Context, refreshToken string, next *storage.Token) error {
	m.record("RotateRefreshToken")
	return m.RotateRefreshTokenFunc(ctx, refreshToken, next)
}

// DeleteExpiredTokens removes expired tokens
func (m *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	m.record("DeleteExpiredTokens")
	return m.DeleteExpiredTokensFunc(ctx, now)
}

// SaveAuthorizationCode saves a code
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// GetAuthorizationCode retrieves a code
func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	return m.GetAuthorizationCodeFunc(ctx, code)
}

// AtomicCheckAndMarkAuthCodeUsed checks and marks a code used
func (m *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("AtomicCheckAndMarkAuthCodeUsed")
	return m.AtomicCheckAndMarkAuthCodeUsedFunc(ctx, code)
}

// DeleteAuthorizationCode removes a code
func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.record("DeleteAuthorizationCode")
	return m.DeleteAuthorizationCodeFunc(ctx, code)
}
