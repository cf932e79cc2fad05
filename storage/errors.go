package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match them with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")
	ErrInvalidClient  = errors.New("invalid client")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExists   = errors.New("token already exists")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExists   = errors.New("authorization code already exists")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
)
