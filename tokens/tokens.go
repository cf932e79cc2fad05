package tokens

import (
	"context"
	"errors"
	"maps"

	"github.com/giantswarm/oauth2-server/credential"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/storage"
)

// DefaultExpiresIn is the default access token lifetime in seconds
const DefaultExpiresIn int64 = 3600

// ErrNotConfigured is returned by NotConfigured
var ErrNotConfigured = errors.New("token generator not configured")

// Factory generates token strings and lifetimes. user is nil for the
// client_credentials grant. Implementations must be safe for concurrent use.
type Factory interface {
	AccessToken(ctx context.Context, client *storage.Client, grantType string, user *owner.User, scope string) (string, error)
	RefreshToken(ctx context.Context, client *storage.Client, grantType string, user *owner.User, scope string) (string, error)
	ExpiresIn(client *storage.Client, grantType string) int64
}

// Lifetimes resolves access token lifetimes. A per-client value wins over a
// per-grant value, which wins over Default.
type Lifetimes struct {
	Default  int64
	ByGrant  map[string]int64
	ByClient map[string]int64
}

// ExpiresIn returns the lifetime in seconds for client and grantType
func (l Lifetimes) ExpiresIn(client *storage.Client, grantType string) int64 {
	if client != nil {
		if v, ok := l.ByClient[client.ClientID]; ok && v > 0 {
			return v
		}
	}
	if v, ok := l.ByGrant[grantType]; ok && v > 0 {
		return v
	}
	if l.Default > 0 {
		return l.Default
	}
	return DefaultExpiresIn
}

func (l Lifetimes) clone() Lifetimes {
	return Lifetimes{
		Default:  l.Default,
		ByGrant:  maps.Clone(l.ByGrant),
		ByClient: maps.Clone(l.ByClient),
	}
}

// Random issues opaque random access and refresh tokens
type Random struct {
	lifetimes Lifetimes
}

var _ Factory = (*Random)(nil)

// NewRandom returns a Random factory with the given lifetimes
func NewRandom(lifetimes Lifetimes) *Random {
	return &Random{lifetimes: lifetimes.clone()}
}

// AccessToken returns a random bearer string
func (r *Random) AccessToken(context.Context, *storage.Client, string, *owner.User, string) (string, error) {
	return credential.GenerateToken(), nil
}

// RefreshToken returns a random bearer string
func (r *Random) RefreshToken(context.Context, *storage.Client, string, *owner.User, string) (string, error) {
	return credential.GenerateToken(), nil
}

// ExpiresIn returns the configured lifetime
func (r *Random) ExpiresIn(client *storage.Client, grantType string) int64 {
	return r.lifetimes.ExpiresIn(client, grantType)
}

// NotConfigured is a Factory that refuses to generate tokens
type NotConfigured struct{}

var _ Factory = NotConfigured{}

// AccessToken returns ErrNotConfigured
func (NotConfigured) AccessToken(context.Context, *storage.Client, string, *owner.User, string) (string, error) {
	return "", ErrNotConfigured
}

// RefreshToken returns ErrNotConfigured
func (NotConfigured) RefreshToken(context.Context, *storage.Client, string, *owner.User, string) (string, error) {
	return "", ErrNotConfigured
}

// ExpiresIn returns DefaultExpiresIn
func (NotConfigured) ExpiresIn(*storage.Client, string) int64 {
	return DefaultExpiresIn
}
