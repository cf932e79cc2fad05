package storage

import (
	"context"
	"time"
)

// ClientStore persists registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient registers a new client. It returns ErrClientExists if the
	// client ID is taken and ErrInvalidClient if the client fails Validate.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, or ErrClientNotFound
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients ordered by creation time
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client together with its redirect URIs,
	// tokens and authorization codes.
	DeleteClient(ctx context.Context, clientID string) error
}

// TokenStore persists issued tokens. Tokens are never updated.
type TokenStore interface {
	// CreateToken persists a new token. The store stamps IssuedAt with its
	// own clock and assigns ID when empty. It returns ErrTokenExists when the
	// access or refresh token string collides with a stored token.
	CreateToken(ctx context.Context, token *Token) error

	// GetTokenByAccessToken looks a token up by its access token string
	GetTokenByAccessToken(ctx context.Context, accessToken string) (*Token, error)

	// GetTokenByRefreshToken looks a token up by its refresh token string
	GetTokenByRefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// RotateRefreshToken atomically replaces the token owning refreshToken
	// with next, stamping IssuedAt and assigning ID like CreateToken. Of
	// several concurrent callers exactly one succeeds; the others get
	// ErrTokenNotFound. Collisions with the replaced token's own strings are
	// allowed. On any error the old token stays in place.
	RotateRefreshToken(ctx context.Context, refreshToken string, next *Token) error

	// DeleteExpiredTokens removes tokens whose access token and refresh
	// token are both expired at now. It returns the number removed.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// CodeStore persists single-use authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code, or returns
	// ErrAuthorizationCodeExists if the code string is taken.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without marking it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused
	// and unexpired and marks it used. Errors:
	//   - ErrAuthorizationCodeNotFound
	//   - ErrAuthorizationCodeExpired
	//   - ErrAuthorizationCodeUsed, returned together with the code so the
	//     caller can attribute the reuse attempt
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// Store bundles all persistence contracts the grant engine needs
type Store interface {
	ClientStore
	TokenStore
	CodeStore
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	Scope       string
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
}

// IsExpired reports whether the code is expired at now
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
