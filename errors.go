package oauth

import (
	"github.com/giantswarm/oauth2-server/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Error is an OAuth 2.0 protocol error
type Error = server.Error

// Error constructors
var (
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrUnauthorizedClient      = server.ErrUnauthorizedClient
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrInvalidScope            = server.ErrInvalidScope
	ErrAccessDenied            = server.ErrAccessDenied
	ErrInvalidRedirectURI      = server.ErrInvalidRedirectURI
	ErrServerError             = server.ErrServerError
)
