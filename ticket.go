package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/server"
)

var errTicketMismatch = errors.New("consent ticket does not match the request")

// consentClaims bind a rendered consent form to its resource owner and
// authorization request parameters
type consentClaims struct {
	jwt.RegisteredClaims
	RedirectURI  string `json:"redirect_uri"`
	ResponseType string `json:"response_type"`
	Scope        string `json:"scope,omitempty"`
	State        string `json:"state,omitempty"`
}

// consentTickets signs and verifies HS256 consent tickets
type consentTickets struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func newConsentTickets(key []byte, ttl time.Duration) *consentTickets {
	return &consentTickets{
		key: append([]byte(nil), key...),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *consentTickets) issue(grant *server.Grant, user *owner.User) (string, error) {
	req := grant.Request()
	now := c.now()
	claims := consentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		RedirectURI:  req.RedirectURI,
		ResponseType: req.ResponseType,
		Scope:        req.Scope,
		State:        req.State,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign consent ticket: %w", err)
	}
	return signed, nil
}

func (c *consentTickets) verify(ticket string, grant *server.Grant, user *owner.User) error {
	if ticket == "" {
		return errors.New("consent ticket is missing")
	}

	req := grant.Request()
	var claims consentClaims
	_, err := jwt.ParseWithClaims(ticket, &claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(req.ClientID),
		jwt.WithSubject(user.ID),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("invalid consent ticket: %w", err)
	}

	if claims.RedirectURI != req.RedirectURI ||
		claims.ResponseType != req.ResponseType ||
		claims.Scope != req.Scope ||
		claims.State != req.State {
		return errTicketMismatch
	}
	return nil
}
