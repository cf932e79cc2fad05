package storage

import (
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Response types a client may be registered for
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// Grant types a client may be registered for. GrantTypeRefreshToken is never
// registered; it is accepted at the token endpoint for clients whose grant
// type issues refresh tokens.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// Token endpoint authentication methods
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// Client represents a registered OAuth client. The client ID and secret are
// generated once and never change. Scope, ResponseType and GrantType are
// ceilings: a request may ask for less, never more.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientName              string
	UserID                  string // owning user, attribution only
	Scope                   string // space-delimited
	ResponseType            string
	GrantType               string
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	CreatedAt               time.Time
}

// HashClientSecret returns the bcrypt hash stored in ClientSecretHash
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// ApplyDefaults fills in registration defaults for unset fields
func (c *Client) ApplyDefaults() {
	if c.ResponseType == "" {
		c.ResponseType = ResponseTypeCode
	}
	if c.GrantType == "" {
		c.GrantType = GrantTypeAuthorizationCode
	}
	if c.TokenEndpointAuthMethod == "" {
		if c.HasSecret() {
			c.TokenEndpointAuthMethod = AuthMethodClientSecretBasic
		} else {
			c.TokenEndpointAuthMethod = AuthMethodNone
		}
	}
}

// Validate checks that the registration is internally consistent
func (c *Client) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidClient)
	}
	switch c.ResponseType {
	case ResponseTypeCode, ResponseTypeToken:
	default:
		return fmt.Errorf("%w: unsupported response_type %q", ErrInvalidClient, c.ResponseType)
	}
	switch c.GrantType {
	case GrantTypeAuthorizationCode, GrantTypeImplicit, GrantTypePassword, GrantTypeClientCredentials:
	default:
		return fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidClient, c.GrantType)
	}
	switch c.TokenEndpointAuthMethod {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		if !c.HasSecret() {
			return fmt.Errorf("%w: %s requires a client secret", ErrInvalidClient, c.TokenEndpointAuthMethod)
		}
	case AuthMethodNone:
	default:
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClient, c.TokenEndpointAuthMethod)
	}
	if c.GrantType == GrantTypeClientCredentials && !c.HasSecret() {
		return fmt.Errorf("%w: client_credentials requires a client secret", ErrInvalidClient)
	}
	return nil
}

// AllowedScope intersects requested with the client's scope. The result keeps
// the order of first appearance in requested, drops duplicates and is joined
// by single spaces. An empty result is valid.
func (c *Client) AllowedScope(requested string) string {
	return IntersectScope(c.Scope, requested)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI
func (c *Client) HasRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// HasSecret reports whether the client is confidential
func (c *Client) HasSecret() bool {
	return c.ClientSecretHash != ""
}

// CheckSecret verifies candidate against the stored hash in constant time
func (c *Client) CheckSecret(candidate string) bool {
	if !c.HasSecret() || candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(candidate)) == nil
}

// AllowsAuthMethod reports whether method is the client's token endpoint auth method
func (c *Client) AllowsAuthMethod(method string) bool {
	return method != "" && c.TokenEndpointAuthMethod == method
}

// AllowsResponseType reports whether responseType is the client's response type
func (c *Client) AllowsResponseType(responseType string) bool {
	return responseType != "" && c.ResponseType == responseType
}

// AllowsGrantType reports whether grantType is the client's grant type
func (c *Client) AllowsGrantType(grantType string) bool {
	return grantType != "" && c.GrantType == grantType
}

// Clone returns a deep copy so stores never hand out shared slices
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp
}
