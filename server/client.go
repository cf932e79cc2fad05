package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth2-server/credential"
	"github.com/giantswarm/oauth2-server/storage"
)

// ClientRegistration describes a client to register. Empty ResponseType,
// GrantType and TokenEndpointAuthMethod take the storage.Client defaults.
type ClientRegistration struct {
	Name                    string
	UserID                  string
	Scope                   string
	ResponseType            string
	GrantType               string
	TokenEndpointAuthMethod string
	RedirectURIs            []string

	// Public registers a client without a secret
	Public bool
}

// RegisterClient generates credentials for a new client and stores it. The
// plaintext secret is returned once and only its bcrypt hash is kept; it is
// empty for public clients.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	if err := validateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, "", fmt.Errorf("%w: %w", storage.ErrInvalidClient, err)
	}

	var secret, secretHash string
	if !reg.Public {
		var err error
		secret, err = credential.GenerateClientSecret()
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate client secret: %w", err)
		}
		secretHash, err = storage.HashClientSecret(secret)
		if err != nil {
			return nil, "", err
		}
	}

	var lastErr error
	for range maxIssueAttempts {
		clientID, err := credential.GenerateClientID()
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate client ID: %w", err)
		}

		client := &storage.Client{
			ClientID:                clientID,
			ClientSecretHash:        secretHash,
			ClientName:              reg.Name,
			UserID:                  reg.UserID,
			Scope:                   strings.Join(storage.ParseScope(reg.Scope), " "),
			ResponseType:            reg.ResponseType,
			GrantType:               reg.GrantType,
			TokenEndpointAuthMethod: reg.TokenEndpointAuthMethod,
			RedirectURIs:            reg.RedirectURIs,
			CreatedAt:               s.now(),
		}
		client.ApplyDefaults()
		if err := client.Validate(); err != nil {
			return nil, "", err
		}
		if needsRedirectURI(client.GrantType) && len(client.RedirectURIs) == 0 {
			return nil, "", fmt.Errorf("%w: grant type %s requires a redirect URI", storage.ErrInvalidClient, client.GrantType)
		}

		err = s.store.SaveClient(ctx, client)
		if err == nil {
			s.Auditor.LogClientRegistered(client.ClientID, client.UserID, client.GrantType)
			s.Logger.Info("Client registered",
				"client_id", client.ClientID,
				"grant_type", client.GrantType,
				"auth_method", client.TokenEndpointAuthMethod)
			return client, secret, nil
		}
		if !errors.Is(err, storage.ErrClientExists) {
			return nil, "", fmt.Errorf("failed to save client: %w", err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("failed to save client after %d attempts: %w", maxIssueAttempts, lastErr)
}

// DeleteClient removes a client and everything issued to it
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	s.Auditor.LogClientDeleted(clientID)
	s.Logger.Info("Client deleted", "client_id", clientID)
	return nil
}

func needsRedirectURI(grantType string) bool {
	return grantType == storage.GrantTypeAuthorizationCode || grantType == storage.GrantTypeImplicit
}

// validateRedirectURIs requires absolute URIs without a fragment (RFC 6749 section 3.1.2)
func validateRedirectURIs(uris []string) error {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("redirect URI %q must be absolute", raw)
		}
		if u.Fragment != "" || strings.Contains(raw, "#") {
			return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
		}
		switch strings.ToLower(u.Scheme) {
		case "javascript", "data", "file", "vbscript":
			return fmt.Errorf("redirect URI scheme %q is not allowed", u.Scheme)
		}
	}
	return nil
}
