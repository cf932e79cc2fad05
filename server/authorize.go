package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/credential"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// AuthorizationRequest holds the parameters of an authorization request
type AuthorizationRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
}

// Grant is a validated authorization request awaiting the resource owner's
// decision. It is rebuilt from the request parameters on every round trip.
type Grant struct {
	Client         *storage.Client
	RedirectURI    string
	ResponseType   string
	RequestedScope string
	// Scope is the scope that will be granted
	Scope string
	State string
}

// Request returns the parameters that reproduce this grant
func (g *Grant) Request() AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:     g.Client.ClientID,
		RedirectURI:  g.RedirectURI,
		ResponseType: g.ResponseType,
		Scope:        g.RequestedScope,
		State:        g.State,
	}
}

// ValidateAuthorizationRequest checks an authorization request up to the
// consent decision. Errors found before the redirect URI is validated are
// returned for direct delivery; later ones carry the redirect target.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (grant *Grant, err error) {
	ctx, span := s.startSpan(ctx, "validate_authorization_request",
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))
	defer span.End()
	defer func() { finishSpan(span, err) }()

	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Auditor.LogAuthFailure("", req.ClientID, security.ClientIPFromContext(ctx), "unknown_client")
			e := ErrInvalidClient("unknown client")
			e.Status = http.StatusBadRequest
			return nil, e
		}
		return nil, ErrServerError(fmt.Errorf("failed to load client: %w", err))
	}

	if req.RedirectURI == "" {
		return nil, ErrInvalidRedirectURI("redirect_uri is required")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		s.Logger.Warn("Authorization request with unregistered redirect URI",
			"client_id", client.ClientID,
			"redirect_uri", util.SafeTruncate(req.RedirectURI, 128))
		s.Auditor.LogAuthFailure("", client.ClientID, security.ClientIPFromContext(ctx), "redirect_uri_not_registered")
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	grant = &Grant{
		Client:         client,
		RedirectURI:    req.RedirectURI,
		ResponseType:   req.ResponseType,
		RequestedScope: req.Scope,
		State:          req.State,
	}

	switch {
	case req.ResponseType == "":
		return nil, ErrInvalidRequest("response_type is required").redirectTo(grant)
	case req.ResponseType != storage.ResponseTypeCode && req.ResponseType != storage.ResponseTypeToken:
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported", req.ResponseType)).redirectTo(grant)
	case !client.AllowsResponseType(req.ResponseType):
		return nil, ErrUnsupportedResponseType("response_type is not allowed for this client").redirectTo(grant)
	}

	grant.Scope = client.AllowedScope(req.Scope)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrScope, grant.Scope))

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ClientID, req.ResponseType)
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationStarted,
		ClientID: client.ClientID,
		Details: map[string]any{
			"response_type": req.ResponseType,
			"scope":         grant.Scope,
		},
	})

	return grant, nil
}

// CompleteAuthorization records the resource owner's approval and returns the
// location to redirect the user agent to. For the code response type a
// single-use authorization code is stored and returned in the query; for the
// token response type an access token is issued and returned in the fragment.
func (s *Server) CompleteAuthorization(ctx context.Context, grant *Grant, user *owner.User) (location string, err error) {
	if grant == nil || grant.Client == nil {
		return "", ErrServerError(fmt.Errorf("grant is required"))
	}
	ctx, span := s.startSpan(ctx, "complete_authorization",
		attribute.String(instrumentation.AttrClientID, grant.Client.ClientID),
		attribute.String(instrumentation.AttrResponseType, grant.ResponseType),
		attribute.String(instrumentation.AttrConsentDecision, "allow"))
	defer span.End()
	defer func() { finishSpan(span, err) }()

	if user == nil || user.ID == "" {
		return "", ErrServerError(fmt.Errorf("authenticated resource owner is required"))
	}
	instrumentation.AddOAuthFlowAttributes(span, "", user.ID, grant.Scope)

	s.Auditor.LogConsent(user.ID, grant.Client.ClientID, security.ClientIPFromContext(ctx), grant.Scope, true)
	if m := s.metrics(); m != nil {
		m.RecordConsentDecision(ctx, grant.Client.ClientID, "allow")
	}

	switch grant.ResponseType {
	case storage.ResponseTypeCode:
		code, err := s.issueAuthorizationCode(ctx, grant, user)
		if err != nil {
			return "", AsError(err).redirectTo(grant)
		}
		params := url.Values{}
		params.Set("code", code.Code)
		if grant.State != "" {
			params.Set("state", grant.State)
		}
		return s.redirect(grant, params)

	case storage.ResponseTypeToken:
		token, err := s.issueToken(ctx, grant.Client, storage.GrantTypeImplicit, user, grant.Scope, false)
		if err != nil {
			return "", AsError(err).redirectTo(grant)
		}
		params := url.Values{}
		params.Set("access_token", token.AccessToken)
		params.Set("token_type", TokenTypeBearer)
		params.Set("expires_in", strconv.FormatInt(token.ExpiresIn, 10))
		params.Set("scope", token.Scope)
		if grant.State != "" {
			params.Set("state", grant.State)
		}
		s.recordTokenIssued(ctx, grant.Client, storage.GrantTypeImplicit, user.ID, token)
		return s.redirect(grant, params)

	default:
		return "", ErrUnsupportedResponseType("response_type is not supported").redirectTo(grant)
	}
}

// DenyAuthorization returns the access_denied redirect for a refused grant
func (s *Server) DenyAuthorization(ctx context.Context, grant *Grant, user *owner.User) (string, error) {
	if grant == nil || grant.Client == nil {
		return "", ErrServerError(fmt.Errorf("grant is required"))
	}
	_, span := s.startSpan(ctx, "deny_authorization",
		attribute.String(instrumentation.AttrClientID, grant.Client.ClientID),
		attribute.String(instrumentation.AttrConsentDecision, "deny"))
	defer span.End()

	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.Auditor.LogConsent(userID, grant.Client.ClientID, security.ClientIPFromContext(ctx), grant.Scope, false)
	if m := s.metrics(); m != nil {
		m.RecordConsentDecision(ctx, grant.Client.ClientID, "deny")
	}

	location, err := ErrAccessDenied("the resource owner denied the request").redirectTo(grant).RedirectURL()
	if err != nil {
		finishSpan(span, err)
		return "", ErrServerError(err)
	}
	instrumentation.SetSpanSuccess(span)
	return location, nil
}

func (s *Server) issueAuthorizationCode(ctx context.Context, grant *Grant, user *owner.User) (*storage.AuthorizationCode, error) {
	now := s.now()
	var lastErr error
	for range maxIssueAttempts {
		code := &storage.AuthorizationCode{
			Code:        credential.GenerateToken(),
			ClientID:    grant.Client.ClientID,
			RedirectURI: grant.RedirectURI,
			Scope:       grant.Scope,
			UserID:      user.ID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(secondsToDuration(s.Config.AuthorizationCodeTTL)),
		}
		err := s.store.SaveAuthorizationCode(ctx, code)
		if err == nil {
			if m := s.metrics(); m != nil {
				m.RecordCodeIssued(ctx, grant.Client.ClientID)
			}
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventAuthorizationCodeIssued,
				UserID:   user.ID,
				ClientID: grant.Client.ClientID,
				Details: map[string]any{
					"scope": grant.Scope,
				},
			})
			return code, nil
		}
		if !errors.Is(err, storage.ErrAuthorizationCodeExists) {
			return nil, ErrServerError(fmt.Errorf("failed to save authorization code: %w", err))
		}
		lastErr = err
		s.Logger.Warn("Authorization code collision, regenerating", "client_id", grant.Client.ClientID)
	}
	return nil, ErrServerError(fmt.Errorf("failed to save authorization code after %d attempts: %w", maxIssueAttempts, lastErr))
}

func (s *Server) redirect(grant *Grant, params url.Values) (string, error) {
	location, err := buildRedirect(grant.RedirectURI, params, grant.ResponseType == storage.ResponseTypeToken)
	if err != nil {
		return "", ErrServerError(err)
	}
	return location, nil
}
