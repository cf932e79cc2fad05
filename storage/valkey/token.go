package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// tokenJSON is the stored representation of a token. The Lua scripts read
// access_token, refresh_token and client_id.
type tokenJSON struct {
	ID               string `json:"id"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id,omitempty"`
	GrantType        string `json:"grant_type,omitempty"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	Scope            string `json:"scope,omitempty"`
	IssuedAt         int64  `json:"issued_at"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		ID:               t.ID,
		ClientID:         t.ClientID,
		UserID:           t.UserID,
		GrantType:        t.GrantType,
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		Scope:            t.Scope,
		IssuedAt:         t.IssuedAt,
		ExpiresIn:        t.ExpiresIn,
		RefreshExpiresIn: t.RefreshExpiresIn,
	}
}

func decodeToken(data string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &storage.Token{
		ID:               j.ID,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		GrantType:        j.GrantType,
		AccessToken:      j.AccessToken,
		RefreshToken:     j.RefreshToken,
		Scope:            j.Scope,
		IssuedAt:         j.IssuedAt,
		ExpiresIn:        j.ExpiresIn,
		RefreshExpiresIn: j.RefreshExpiresIn,
	}, nil
}

// removalScore is the unix time from which DeleteExpiredTokens may drop the
// token: when both the access token and any refresh token have expired.
func removalScore(t *storage.Token) string {
	horizon := t.ExpiresAt()
	if t.HasRefreshToken() {
		if t.RefreshExpiresIn <= 0 {
			return "+inf"
		}
		horizon = max(horizon, t.IssuedAt+t.RefreshExpiresIn)
	}
	return strconv.FormatInt(horizon, 10)
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken persists a new token, stamping IssuedAt with the store clock
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_token", err, startTime) }()

	if err = s.storeToken(ctx, luaCreateToken, nil, token); err != nil {
		return err
	}
	s.logger.Debug("Created token",
		"token_id", token.ID,
		"client_id", token.ClientID,
		"grant_type", token.GrantType)
	return nil
}

// RotateRefreshToken atomically replaces the token owning refreshToken with next
func (s *Store) RotateRefreshToken(ctx context.Context, refreshToken string, next *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if refreshToken == "" {
		return storage.ErrTokenNotFound
	}
	if err = s.storeToken(ctx, luaRotateRefreshToken, []string{s.refreshTokenKey(refreshToken)}, next); err != nil {
		return err
	}
	s.logger.Debug("Rotated refresh token",
		"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength),
		"token_id", next.ID,
		"client_id", next.ClientID)
	return nil
}

// storeToken runs a token insert script. leadingKeys precede the client,
// access and refresh keys.
func (s *Store) storeToken(ctx context.Context, script string, leadingKeys []string, token *storage.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if token.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	stored := token.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.IssuedAt = s.now().Unix()

	data, err := json.Marshal(toTokenJSON(stored))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	hasRefresh := "0"
	if stored.HasRefreshToken() {
		hasRefresh = "1"
	}

	keys := append(leadingKeys,
		s.clientKey(stored.ClientID), s.accessTokenKey(stored.AccessToken), s.refreshTokenKey(stored.RefreshToken))
	result, err := s.eval(ctx, script, keys,
		s.prefix, stored.ID, string(data), hasRefresh, stored.ClientID, removalScore(stored),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	switch result {
	case "OK":
	case "NOT_FOUND":
		return storage.ErrTokenNotFound
	case "NO_CLIENT":
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, stored.ClientID)
	case "ACCESS_EXISTS":
		return fmt.Errorf("%w: access token collision", storage.ErrTokenExists)
	case "REFRESH_EXISTS":
		return fmt.Errorf("%w: refresh token collision", storage.ErrTokenExists)
	default:
		return fmt.Errorf("failed to store token: unexpected result %q", result)
	}

	token.ID = stored.ID
	token.IssuedAt = stored.IssuedAt
	return nil
}

// GetTokenByAccessToken looks a token up by its access token string
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (tok *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_by_access_token", err, startTime) }()

	if accessToken == "" {
		return nil, storage.ErrTokenNotFound
	}
	return s.lookupToken(ctx, s.accessTokenKey(accessToken))
}

// GetTokenByRefreshToken looks a token up by its refresh token string
func (s *Store) GetTokenByRefreshToken(ctx context.Context, refreshToken string) (tok *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_by_refresh_token", err, startTime) }()

	if refreshToken == "" {
		return nil, storage.ErrTokenNotFound
	}
	return s.lookupToken(ctx, s.refreshTokenKey(refreshToken))
}

func (s *Store) lookupToken(ctx context.Context, key string) (*storage.Token, error) {
	data, err := s.eval(ctx, luaLookupToken, []string{key}, s.prefix).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return decodeToken(data)
}

// DeleteExpiredTokens removes tokens whose access and refresh tokens are both expired at now
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	n, err := s.eval(ctx, luaDeleteExpiredTokens,
		[]string{s.tokensKey()},
		s.prefix, strconv.FormatInt(now.Unix(), 10),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(n), nil
}
