package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth2-server/storage"
)

// OAuth 2.0 error codes (RFC 6749 sections 4.1.2.1 and 5.2)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"

	// ErrorCodeInvalidRedirectURI is only ever returned directly to the user agent
	ErrorCodeInvalidRedirectURI = "invalid_redirect_uri"
)

// Error is an OAuth protocol error. When RedirectURI is set the error has
// been attributed to a validated redirect URI and must be delivered there,
// in the fragment when Fragment is set. Otherwise it is returned directly
// with Status.
type Error struct {
	Code        string
	Description string
	Status      int
	RedirectURI string
	State       string
	Fragment    bool

	// Err is the internal cause. It is never sent to the client.
	Err error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Redirectable reports whether the error is delivered by redirect
func (e *Error) Redirectable() bool {
	return e.RedirectURI != ""
}

// RedirectURL returns the location carrying error, error_description and state
func (e *Error) RedirectURL() (string, error) {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return buildRedirect(e.RedirectURI, params, e.Fragment)
}

func newError(code string, status int, description string) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest returns an invalid_request error
func ErrInvalidRequest(description string) *Error {
	return newError(ErrorCodeInvalidRequest, http.StatusBadRequest, description)
}

// ErrInvalidClient returns an invalid_client error for the token endpoint
func ErrInvalidClient(description string) *Error {
	return newError(ErrorCodeInvalidClient, http.StatusUnauthorized, description)
}

// ErrInvalidGrant returns an invalid_grant error
func ErrInvalidGrant(description string) *Error {
	return newError(ErrorCodeInvalidGrant, http.StatusBadRequest, description)
}

// ErrUnauthorizedClient returns an unauthorized_client error
func ErrUnauthorizedClient(description string) *Error {
	return newError(ErrorCodeUnauthorizedClient, http.StatusBadRequest, description)
}

// ErrUnsupportedResponseType returns an unsupported_response_type error
func ErrUnsupportedResponseType(description string) *Error {
	return newError(ErrorCodeUnsupportedResponseType, http.StatusBadRequest, description)
}

// ErrUnsupportedGrantType returns an unsupported_grant_type error
func ErrUnsupportedGrantType(description string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, http.StatusBadRequest, description)
}

// ErrInvalidScope returns an invalid_scope error
func ErrInvalidScope(description string) *Error {
	return newError(ErrorCodeInvalidScope, http.StatusBadRequest, description)
}

// ErrAccessDenied returns an access_denied error
func ErrAccessDenied(description string) *Error {
	return newError(ErrorCodeAccessDenied, http.StatusForbidden, description)
}

// ErrInvalidRedirectURI returns the direct error for a missing or unregistered redirect URI
func ErrInvalidRedirectURI(description string) *Error {
	return newError(ErrorCodeInvalidRedirectURI, http.StatusBadRequest, description)
}

// ErrServerError wraps an unexpected internal failure. The cause is kept in
// Err and replaced by a generic description on the wire.
func ErrServerError(cause error) *Error {
	e := newError(ErrorCodeServerError, http.StatusInternalServerError, "internal server error")
	e.Err = cause
	return e
}

// AsError returns err as an *Error, mapping anything else to server_error
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError(err)
}

// redirectTo attributes e to a validated redirect URI
func (e *Error) redirectTo(grant *Grant) *Error {
	e.RedirectURI = grant.RedirectURI
	e.State = grant.State
	e.Fragment = grant.ResponseType == storage.ResponseTypeToken
	return e
}

// buildRedirect appends params to base, as query parameters or as the fragment
func buildRedirect(base string, params url.Values, fragment bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	if fragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode(), nil
	}
	query := u.Query()
	for key, values := range params {
		query[key] = values
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
