// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// tokenIDLogLength is the number of characters logged from token and code strings
const tokenIDLogLength = 8

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	// tokens is keyed by token ID; the two indexes map token strings to IDs
	tokens         map[string]*storage.Token
	byAccessToken  map[string]string
	byRefreshToken map[string]string

	authCodes map[string]*storage.AuthorizationCode

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic atomic.Int64
	tokensCountAtomic  atomic.Int64
	codesCountAtomic   atomic.Int64

	now func() time.Time

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		tokens:          make(map[string]*storage.Token),
		byAccessToken:   make(map[string]string),
		byRefreshToken:  make(map[string]string),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the store clock used to stamp IssuedAt and check code expiry
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; ok {
		return storage.ErrClientExists
	}

	stored := client.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.clients[client.ClientID] = stored
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return c.Clone(), nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c.Clone())
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return compareStrings(a.ClientID, b.ClientID)
	})
	return clients, nil
}

// DeleteClient removes a client and every token and code issued to it
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)

	tokens := 0
	for id, tok := range s.tokens {
		if tok.ClientID == clientID {
			s.removeTokenLocked(id)
			tokens++
		}
	}
	codes := 0
	for code, ac := range s.authCodes {
		if ac.ClientID == clientID {
			delete(s.authCodes, code)
			codes++
		}
	}
	s.updateCountersLocked()

	s.logger.Info("Deleted client",
		"client_id", clientID,
		"tokens_deleted", tokens,
		"codes_deleted", codes)
	return nil
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

	if err := checkNewToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertTokenLocked(token); err != nil {
		return err
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	s.logger.Debug("Created token",
		"token_id", token.ID,
		"client_id", token.ClientID,
		"grant_type", token.GrantType)
	return nil
}

func checkNewToken(token *storage.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if token.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	return nil
}

// insertTokenLocked stores token unless its client is unknown or one of its
// strings is taken by a token other than replacing
func (s *Store) insertTokenLocked(token *storage.Token, replacing ...string) error {
	taken := func(id string, ok bool) bool {
		return ok && !slices.Contains(replacing, id)
	}

	if _, ok := s.clients[token.ClientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, token.ClientID)
	}
	if id, ok := s.byAccessToken[token.AccessToken]; taken(id, ok) {
		return fmt.Errorf("%w: access token collision", storage.ErrTokenExists)
	}
	if token.RefreshToken != "" {
		if id, ok := s.byRefreshToken[token.RefreshToken]; taken(id, ok) {
			return fmt.Errorf("%w: refresh token collision", storage.ErrTokenExists)
		}
	}

	for _, id := range replacing {
		s.removeTokenLocked(id)
	}

	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.IssuedAt = s.now().Unix()

	stored := token.Clone()
	s.tokens[stored.ID] = stored
	s.byAccessToken[stored.AccessToken] = stored.ID
	if stored.RefreshToken != "" {
		s.byRefreshToken[stored.RefreshToken] = stored.ID
	}
	return nil
}

// GetTokenByAccessToken looks a token up by its access token string
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (tok *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_by_access_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAccessToken[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return s.tokens[id].Clone(), nil
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRefreshToken[refreshToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return s.tokens[id].Clone(), nil
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
	if err := checkNewToken(next); err != nil {
		return err
	}

	s.mu.Lock() // write lock: lookup, delete and insert must be one step
	defer s.mu.Unlock()

	id, ok := s.byRefreshToken[refreshToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if err := s.insertTokenLocked(next, id); err != nil {
		return err
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	s.logger.Debug("Rotated refresh token",
		"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength),
		"token_id", next.ID,
		"client_id", next.ClientID)
	return nil
}

// DeleteExpiredTokens removes tokens whose access and refresh tokens are both expired
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.deleteExpiredTokensLocked(now)
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	return n, nil
}

func (s *Store) deleteExpiredTokensLocked(now time.Time) int {
	n := 0
	for id, tok := range s.tokens {
		if tok.IsExpired(now) && tok.IsRefreshExpired(now) {
			s.removeTokenLocked(id)
			n++
		}
	}
	return n
}

func (s *Store) removeTokenLocked(id string) {
	tok, ok := s.tokens[id]
	if !ok {
		return
	}
	delete(s.byAccessToken, tok.AccessToken)
	if tok.RefreshToken != "" {
		delete(s.byRefreshToken, tok.RefreshToken)
	}
	delete(s.tokens, id)
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
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[code.ClientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, code.ClientID)
	}
	if _, ok := s.authCodes[code.Code]; ok {
		return storage.ErrAuthorizationCodeExists
	}

	stored := *code
	s.authCodes[code.Code] = &stored
	s.codesCountAtomic.Store(int64(len(s.authCodes)))

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without marking it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ac, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	cp := *ac
	return &cp, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is usable and marks it used
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "check_and_mark_code_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "check_and_mark_code_used", err, startTime) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	stored, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if stored.IsExpired(s.now()) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	if stored.Used {
		// returned so the caller can attribute the reuse attempt
		cp := *stored
		return &cp, storage.ErrAuthorizationCodeUsed
	}

	stored.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	cp := *stored
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tokens := s.deleteExpiredTokensLocked(now)

	codes := 0
	for code, ac := range s.authCodes {
		if ac.IsExpired(now) {
			delete(s.authCodes, code)
			codes++
		}
	}
	s.updateCountersLocked()

	if tokens+codes > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"tokens", tokens,
			"codes", codes)
	}
}

func (s *Store) updateCountersLocked() {
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
