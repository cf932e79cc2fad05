package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// authorizationCodeJSON is the stored representation of a code. Used lives
// in its own hash field so marking a code never rewrites the document.
type authorizationCodeJSON struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scope       string    `json:"scope,omitempty"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func decodeCode(data string, used bool) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:        j.Code,
		ClientID:    j.ClientID,
		RedirectURI: j.RedirectURI,
		Scope:       j.Scope,
		UserID:      j.UserID,
		CreatedAt:   j.CreatedAt,
		ExpiresAt:   j.ExpiresAt,
		Used:        used,
	}, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(authorizationCodeJSON{
		Code:        code.Code,
		ClientID:    code.ClientID,
		RedirectURI: code.RedirectURI,
		Scope:       code.Scope,
		UserID:      code.UserID,
		CreatedAt:   code.CreatedAt.UTC(),
		ExpiresAt:   code.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	used := "0"
	if code.Used {
		used = "1"
	}
	stored, err := s.eval(ctx, luaSaveCode,
		[]string{s.codeKey(code.Code)},
		s.prefix, code.Code, string(data), used, millis(code.ExpiresAt), code.ClientID,
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if stored == 0 {
		return storage.ErrAuthorizationCodeExists
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without marking it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.eval(ctx, luaGetCode, []string{s.codeKey(code)}).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	used, data, _ := strings.Cut(result, ":")
	return decodeCode(data, used == "1")
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
// unexpired and marks it used. On reuse the code is returned with
// ErrAuthorizationCodeUsed.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "check_and_mark_code_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "check_and_mark_code_used", err, startTime) }()

	result, err := s.eval(ctx, luaCheckAndMarkCodeUsed,
		[]string{s.codeKey(code)},
		millis(s.now()),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		reused, err := decodeCode(strings.TrimPrefix(result, "ALREADY_USED:"), true)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrAuthorizationCodeUsed, err)
		}
		return reused, storage.ErrAuthorizationCodeUsed
	case strings.HasPrefix(result, "OK:"):
	default:
		return nil, fmt.Errorf("failed to execute atomic code check: unexpected result")
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return decodeCode(strings.TrimPrefix(result, "OK:"), true)
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.eval(ctx, luaDeleteCode, []string{s.codeKey(code)}, s.prefix, code).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// DeleteExpiredCodes removes authorization codes expired at now
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	n, err := s.eval(ctx, luaDeleteExpiredCodes,
		[]string{s.codesKey()},
		s.prefix, millis(now),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return int(n), nil
}
