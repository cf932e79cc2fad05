// Package owner defines how the authorization server learns who the resource
// owner is: from an HTTP request on the authorization endpoint, or from a
// username and password on the token endpoint's password grant.
//
// Implementations are provided in subpackages:
//   - owner/static: bcrypt user directory loaded from an htpasswd file
//   - owner/mock: func-field mocks for tests
package owner

import (
	"context"
	"errors"
	"net/http"
)

// ErrInvalidCredentials is returned when a username/password pair does not verify
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// User is an authenticated resource owner
type User struct {
	// ID is the stable identifier recorded on codes and tokens
	ID string

	// Username is the login name
	Username string

	// Name is a display name for the consent page
	Name string

	// Email is the user's email address, if known
	Email string
}

// DisplayName returns Name, falling back to Username and ID
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	}
	return u.ID
}

// RequestAuthenticator identifies the logged-in user of an authorization request.
// It returns (nil, nil) when the request carries no session; the handler then
// sends the user to log in.
type RequestAuthenticator interface {
	AuthenticateRequest(r *http.Request) (*User, error)
}

// PasswordAuthenticator verifies resource owner credentials for the password grant.
// It returns ErrInvalidCredentials when they do not verify.
type PasswordAuthenticator interface {
	AuthenticatePassword(ctx context.Context, username, password string) (*User, error)
}

// RequestAuthenticatorFunc adapts a function to RequestAuthenticator
type RequestAuthenticatorFunc func(r *http.Request) (*User, error)

// AuthenticateRequest calls f(r)
func (f RequestAuthenticatorFunc) AuthenticateRequest(r *http.Request) (*User, error) {
	return f(r)
}
