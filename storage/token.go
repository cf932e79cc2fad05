package storage

import "time"

// Token is an issued access token with its optional refresh token.
// Timestamps are unix seconds. A token is never updated after creation.
type Token struct {
	ID               string
	ClientID         string
	UserID           string // empty for client_credentials
	GrantType        string
	AccessToken      string
	RefreshToken     string
	Scope            string
	IssuedAt         int64
	ExpiresIn        int64
	RefreshExpiresIn int64 // 0 means the refresh token does not expire
}

// ExpiresAt returns the unix time at which the access token expires
func (t *Token) ExpiresAt() int64 {
	return t.IssuedAt + t.ExpiresIn
}

// IsExpired reports whether the access token is expired at now
func (t *Token) IsExpired(now time.Time) bool {
	return now.Unix() >= t.ExpiresAt()
}

// HasRefreshToken reports whether a refresh token was issued
func (t *Token) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// IsRefreshExpired reports whether the refresh token can no longer be used at now.
// Tokens without a refresh token always report true.
func (t *Token) IsRefreshExpired(now time.Time) bool {
	if !t.HasRefreshToken() {
		return true
	}
	if t.RefreshExpiresIn <= 0 {
		return false
	}
	return now.Unix() >= t.IssuedAt+t.RefreshExpiresIn
}

// Clone returns a copy of the token
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
