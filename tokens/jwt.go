package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/storage"
)

// MinJWTKeyLength is the minimum HMAC key length in bytes
const MinJWTKeyLength = 32

// AccessClaims are the claims of a JWT access token
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// JWT issues HS256-signed access tokens and random refresh tokens
type JWT struct {
	*Random
	key    []byte
	issuer string
	now    func() time.Time
}

var _ Factory = (*JWT)(nil)

// NewJWT returns a JWT factory. key must be at least MinJWTKeyLength bytes.
func NewJWT(key []byte, issuer string, lifetimes Lifetimes) (*JWT, error) {
	if len(key) < MinJWTKeyLength {
		return nil, fmt.Errorf("jwt signing key must be at least %d bytes", MinJWTKeyLength)
	}
	if issuer == "" {
		return nil, fmt.Errorf("jwt issuer is required")
	}
	return &JWT{
		Random: NewRandom(lifetimes),
		key:    append([]byte(nil), key...),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// AccessToken returns a signed JWT. The subject is the user ID, or the client
// ID for the client_credentials grant.
func (j *JWT) AccessToken(_ context.Context, client *storage.Client, grantType string, user *owner.User, scope string) (string, error) {
	if client == nil {
		return "", fmt.Errorf("client is required")
	}
	subject := client.ClientID
	if user != nil {
		subject = user.ID
	}

	now := j.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(j.ExpiresIn(client, grantType)) * time.Second)),
			ID:        uuid.NewString(),
		},
		ClientID: client.ClientID,
		Scope:    scope,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies an access token issued by this factory and returns its claims
func (j *JWT) Parse(token string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access token expired: %w", err)
		}
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	return &claims, nil
}
