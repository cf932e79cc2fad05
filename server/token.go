package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// TokenTypeBearer is the only token type issued
const TokenTypeBearer = "Bearer"

// ClientCredentials are the client credentials presented at the token
// endpoint. Method is the authentication method the request used.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	Method       string
}

// TokenRequest holds the grant parameters of a token request
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	Username     string
	Password     string
	RefreshToken string
	Scope        string
}

// TokenResponse is the successful token endpoint response (RFC 6749 section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// AuthenticateClient authenticates the client of a token request. Every
// failure is reported as invalid_client.
func (s *Server) AuthenticateClient(ctx context.Context, creds ClientCredentials) (client *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "authenticate_client",
		attribute.String(instrumentation.AttrClientID, creds.ClientID),
		attribute.String(instrumentation.AttrAuthMethod, creds.Method))
	defer span.End()
	defer func() { finishSpan(span, err) }()

	fail := func(reason string) (*storage.Client, error) {
		s.Logger.Debug("Client authentication failed",
			"client_id", creds.ClientID,
			"method", creds.Method,
			"reason", reason)
		s.Auditor.LogAuthFailure("", creds.ClientID, security.ClientIPFromContext(ctx), reason)
		if m := s.metrics(); m != nil {
			m.RecordClientAuthFailed(ctx, creds.Method)
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	if creds.ClientID == "" {
		return fail("missing_client_id")
	}

	client, err = s.store.GetClient(ctx, creds.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return fail("unknown_client")
		}
		return nil, ErrServerError(fmt.Errorf("failed to load client: %w", err))
	}

	if !client.AllowsAuthMethod(creds.Method) {
		return fail("auth_method_not_allowed")
	}

	switch creds.Method {
	case storage.AuthMethodNone:
		if client.HasSecret() {
			return fail("confidential_client_without_secret")
		}
	case storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
		if !client.CheckSecret(creds.ClientSecret) {
			return fail("invalid_client_secret")
		}
	default:
		return fail("unsupported_auth_method")
	}

	return client, nil
}

// IssueToken validates the grant of an authenticated client and issues a token
func (s *Server) IssueToken(ctx context.Context, client *storage.Client, req TokenRequest) (resp *TokenResponse, err error) {
	if client == nil {
		return nil, ErrServerError(fmt.Errorf("client is required"))
	}
	ctx, span := s.startSpan(ctx, "issue_token",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType))
	defer span.End()
	defer func() { finishSpan(span, err) }()

	if req.GrantType == "" {
		return nil, ErrInvalidRequest("grant_type is required")
	}
	if !grantTypePermitted(client, req.GrantType) {
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not allowed for this client", req.GrantType))
	}

	switch req.GrantType {
	case storage.GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req)
	case storage.GrantTypePassword:
		return s.passwordGrant(ctx, client, req)
	case storage.GrantTypeClientCredentials:
		return s.clientCredentialsGrant(ctx, client, req)
	case storage.GrantTypeRefreshToken:
		return s.refreshTokenGrant(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}
}

// grantTypePermitted reports whether client may use grantType at the token
// endpoint. refresh_token follows from the grant types that issue refresh
// tokens; implicit never reaches the token endpoint.
func grantTypePermitted(client *storage.Client, grantType string) bool {
	switch grantType {
	case storage.GrantTypeRefreshToken:
		return client.GrantType == storage.GrantTypeAuthorizationCode ||
			client.GrantType == storage.GrantTypePassword
	case storage.GrantTypeImplicit:
		return false
	default:
		return client.AllowsGrantType(grantType)
	}
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	clientIP := security.ClientIPFromContext(ctx)

	// the code stays in the store marked used so a second presentation is
	// recognised as reuse until it expires
	code, err := s.store.AtomicCheckAndMarkAuthCodeUsed(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			userID := ""
			if code != nil {
				userID = code.UserID
			}
			s.Logger.Error("Authorization code reuse detected",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, 8))
			s.Auditor.LogCodeReuse(userID, client.ClientID, clientIP)
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}
			return nil, ErrInvalidGrant("authorization code is invalid")
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound), errors.Is(err, storage.ErrAuthorizationCodeExpired):
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, 8))
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_authorization_code")
			return nil, ErrInvalidGrant("authorization code is invalid")
		default:
			return nil, ErrServerError(fmt.Errorf("failed to redeem authorization code: %w", err))
		}
	}

	if code.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, 8))
		s.Auditor.LogAuthFailure(code.UserID, client.ClientID, clientIP, "client_id_mismatch")
		return nil, ErrInvalidGrant("authorization code is invalid")
	}
	if code.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, 8))
		s.Auditor.LogAuthFailure(code.UserID, client.ClientID, clientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	user := &owner.User{ID: code.UserID}
	token, err := s.issueToken(ctx, client, storage.GrantTypeAuthorizationCode, user, code.Scope, true)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID)
	}
	s.recordTokenIssued(ctx, client, storage.GrantTypeAuthorizationCode, user.ID, token)
	return newTokenResponse(token, ""), nil
}

func (s *Server) passwordGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, error) {
	if s.passwords == nil {
		return nil, ErrUnsupportedGrantType("the password grant is not enabled")
	}
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	user, err := s.passwords.AuthenticatePassword(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, owner.ErrInvalidCredentials) {
			s.Auditor.LogAuthFailure(req.Username, client.ClientID, security.ClientIPFromContext(ctx), "invalid_resource_owner_credentials")
			return nil, ErrInvalidGrant("invalid resource owner credentials")
		}
		return nil, ErrServerError(fmt.Errorf("failed to authenticate resource owner: %w", err))
	}
	if user == nil || user.ID == "" {
		return nil, ErrServerError(fmt.Errorf("password authenticator returned no user"))
	}

	scope := client.AllowedScope(req.Scope)
	token, err := s.issueToken(ctx, client, storage.GrantTypePassword, user, scope, true)
	if err != nil {
		return nil, err
	}
	s.recordTokenIssued(ctx, client, storage.GrantTypePassword, user.ID, token)
	return newTokenResponse(token, ""), nil
}

func (s *Server) clientCredentialsGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, error) {
	if !client.HasSecret() {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}

	scope := client.AllowedScope(req.Scope)
	token, err := s.issueToken(ctx, client, storage.GrantTypeClientCredentials, nil, scope, false)
	if err != nil {
		return nil, err
	}
	s.recordTokenIssued(ctx, client, storage.GrantTypeClientCredentials, "", token)
	return newTokenResponse(token, ""), nil
}

func (s *Server) refreshTokenGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	clientIP := security.ClientIPFromContext(ctx)
	invalid := func(reason string) (*TokenResponse, error) {
		s.Logger.Debug("Refresh token validation failed",
			"reason", reason,
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, 8))
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, reason)
		return nil, ErrInvalidGrant("refresh token is invalid")
	}

	previous, err := s.store.GetTokenByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return invalid("unknown_refresh_token")
		}
		return nil, ErrServerError(fmt.Errorf("failed to load refresh token: %w", err))
	}
	if previous.ClientID != client.ClientID {
		return invalid("client_id_mismatch")
	}
	if previous.IsRefreshExpired(s.now()) {
		return invalid("refresh_token_expired")
	}

	scope := previous.Scope
	if req.Scope != "" {
		if !storage.ScopeSubset(req.Scope, previous.Scope) {
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
		scope = storage.IntersectScope(previous.Scope, req.Scope)
	}

	var user *owner.User
	if previous.UserID != "" {
		user = &owner.User{ID: previous.UserID}
	}

	rotate := !s.Config.DisableRefreshTokenRotation
	persist := s.store.CreateToken
	if rotate {
		persist = func(ctx context.Context, next *storage.Token) error {
			return s.store.RotateRefreshToken(ctx, req.RefreshToken, next)
		}
	}

	token, err := s.mintToken(ctx, client, storage.GrantTypeRefreshToken, user, scope, rotate, persist)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return invalid("refresh_token_already_used")
	}
	if err != nil {
		return nil, err
	}

	userID := previous.UserID
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID, rotate)
		m.RecordTokenIssued(ctx, client.ClientID, storage.GrantTypeRefreshToken, rotate)
	}
	s.Auditor.LogTokenRefreshed(userID, client.ClientID, clientIP, rotate)
	s.Logger.Info("Access token refreshed",
		"client_id", client.ClientID,
		"rotated", rotate)

	if rotate {
		return newTokenResponse(token, ""), nil
	}
	// without rotation the presented refresh token stays valid and is handed back
	return newTokenResponse(token, req.RefreshToken), nil
}

// issueToken mints a token and stores it as a new token
func (s *Server) issueToken(ctx context.Context, client *storage.Client, grantType string, user *owner.User, scope string, withRefresh bool) (*storage.Token, error) {
	return s.mintToken(ctx, client, grantType, user, scope, withRefresh, s.store.CreateToken)
}

// mintToken generates token strings and hands them to persist. Collisions
// with stored token strings are retried with fresh strings; any other
// failure is a server_error wrapping the store error and nothing is stored.
func (s *Server) mintToken(ctx context.Context, client *storage.Client, grantType string, user *owner.User, scope string, withRefresh bool,
	persist func(context.Context, *storage.Token) error) (*storage.Token, error) {
	userID := ""
	if user != nil {
		userID = user.ID
	}

	var lastErr error
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		access, err := s.tokens.AccessToken(ctx, client, grantType, user, scope)
		if err != nil {
			return nil, ErrServerError(fmt.Errorf("failed to generate access token: %w", err))
		}

		token := &storage.Token{
			ClientID:    client.ClientID,
			UserID:      userID,
			GrantType:   grantType,
			AccessToken: access,
			Scope:       scope,
			ExpiresIn:   s.tokens.ExpiresIn(client, grantType),
		}
		if withRefresh {
			refresh, err := s.tokens.RefreshToken(ctx, client, grantType, user, scope)
			if err != nil {
				return nil, ErrServerError(fmt.Errorf("failed to generate refresh token: %w", err))
			}
			token.RefreshToken = refresh
			token.RefreshExpiresIn = s.Config.refreshExpiresIn()
		}

		err = persist(ctx, token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, storage.ErrTokenExists) {
			return nil, ErrServerError(fmt.Errorf("failed to store token: %w", err))
		}
		lastErr = err
		s.Logger.Warn("Generated token collided with a stored token, regenerating",
			"client_id", client.ClientID,
			"attempt", attempt)
	}
	return nil, ErrServerError(fmt.Errorf("failed to store token after %d attempts: %w", maxIssueAttempts, lastErr))
}

func (s *Server) recordTokenIssued(ctx context.Context, client *storage.Client, grantType, userID string, token *storage.Token) {
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, client.ClientID, grantType, token.HasRefreshToken())
	}
	s.Auditor.LogTokenIssued(userID, client.ClientID, security.ClientIPFromContext(ctx), grantType, token.Scope)
	s.Logger.Info("Token issued",
		"client_id", client.ClientID,
		"grant_type", grantType,
		"scope", token.Scope,
		"expires_in", token.ExpiresIn)
}

func newTokenResponse(token *storage.Token, refreshToken string) *TokenResponse {
	if refreshToken == "" {
		refreshToken = token.RefreshToken
	}
	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: refreshToken,
		Scope:        token.Scope,
	}
}

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
