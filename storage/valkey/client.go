package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// clientJSON is the stored representation of a client
type clientJSON struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	UserID                  string    `json:"user_id,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	ResponseType            string    `json:"response_type"`
	GrantType               string    `json:"grant_type"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientName:              c.ClientName,
		UserID:                  c.UserID,
		Scope:                   c.Scope,
		ResponseType:            c.ResponseType,
		GrantType:               c.GrantType,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		RedirectURIs:            c.RedirectURIs,
		CreatedAt:               c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientName:              j.ClientName,
		UserID:                  j.UserID,
		Scope:                   j.Scope,
		ResponseType:            j.ResponseType,
		GrantType:               j.GrantType,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		RedirectURIs:            j.RedirectURIs,
		CreatedAt:               j.CreatedAt,
	}
}

func decodeClient(data string) (*storage.Client, error) {
	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a new client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil {
		return fmt.Errorf("%w: client cannot be nil", storage.ErrInvalidClient)
	}
	if err = client.Validate(); err != nil {
		return err
	}

	j := toClientJSON(client)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	j.CreatedAt = j.CreatedAt.UTC()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	stored, err := s.eval(ctx, luaSaveClient,
		[]string{s.clientKey(client.ClientID), s.clientsKey()},
		s.prefix, client.ClientID, string(data), strconv.FormatInt(j.CreatedAt.UnixMicro(), 10),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if stored == 0 {
		return storage.ErrClientExists
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return decodeClient(data)
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Zrange().Key(s.clientsKey()).Min("0").Max("-1").Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	clients := make([]*storage.Client, 0, len(ids))
	if len(ids) == 0 {
		return clients, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.clientKey(id)
	}
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get clients: %w", err)
	}

	for i, v := range values {
		data, err := v.ToString()
		if err != nil {
			if isNilError(err) {
				continue // deleted between ZRANGE and MGET
			}
			return nil, fmt.Errorf("failed to get client %s: %w", ids[i], err)
		}
		c, err := decodeClient(data)
		if err != nil {
			s.logger.Warn("Failed to unmarshal client, skipping",
				"client_id", ids[i],
				"error", err)
			continue
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// DeleteClient removes a client and every token and code issued to it
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	removed, err := s.eval(ctx, luaDeleteClient,
		[]string{s.clientKey(clientID)},
		s.prefix, clientID,
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if removed < 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	s.logger.Info("Deleted client",
		"client_id", clientID,
		"tokens_deleted", removed)
	return nil
}
