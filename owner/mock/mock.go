// Package mock provides func-field mocks of the owner authenticators for testing.
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/giantswarm/oauth2-server/owner"
)

// Authenticator is a mock implementation of owner.RequestAuthenticator and
// owner.PasswordAuthenticator
type Authenticator struct {
	// AuthenticateRequestFunc is called when AuthenticateRequest() is invoked
	AuthenticateRequestFunc func(r *http.Request) (*owner.User, error)

	// AuthenticatePasswordFunc is called when AuthenticatePassword() is invoked
	AuthenticatePasswordFunc func(ctx context.Context, username, password string) (*owner.User, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

var (
	_ owner.RequestAuthenticator  = (*Authenticator)(nil)
	_ owner.PasswordAuthenticator = (*Authenticator)(nil)
)

// NewAuthenticator returns a mock that authenticates every request as user and
// accepts exactly the given username/password pair.
func NewAuthenticator(user *owner.User, username, password string) *Authenticator {
	return &Authenticator{
		CallCounts: make(map[string]int),
		AuthenticateRequestFunc: func(r *http.Request) (*owner.User, error) {
			return user, nil
		},
		AuthenticatePasswordFunc: func(ctx context.Context, u, p string) (*owner.User, error) {
			if u != username || p != password {
				return nil, owner.ErrInvalidCredentials
			}
			return user, nil
		},
	}
}

// AuthenticateRequest implements owner.RequestAuthenticator
func (m *Authenticator) AuthenticateRequest(r *http.Request) (*owner.User, error) {
	m.incrementCallCount("AuthenticateRequest")
	if m.AuthenticateRequestFunc != nil {
		return m.AuthenticateRequestFunc(r)
	}
	return nil, nil
}

// AuthenticatePassword implements owner.PasswordAuthenticator
func (m *Authenticator) AuthenticatePassword(ctx context.Context, username, password string) (*owner.User, error) {
	m.incrementCallCount("AuthenticatePassword")
	if m.AuthenticatePasswordFunc != nil {
		return m.AuthenticatePasswordFunc(ctx, username, password)
	}
	return nil, owner.ErrInvalidCredentials
}

// CallCount returns how often method was called
func (m *Authenticator) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

func (m *Authenticator) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
}
