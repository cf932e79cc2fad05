package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const tokenIDLogLength = 8

// Store is a SQLite-backed implementation of storage.Store
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies migrations
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection: writers are serialized and never see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:     db,
		now:    time.Now,
		logger: slog.Default(),
	}, nil
}

// Close closes the SQLite handle
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the clock used to stamp IssuedAt and check code expiry.
// Call before serving requests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterStorageSizeCallbacks(
		s.countCallback("oauth2_clients"),
		s.countCallback("oauth2_tokens"),
		s.countCallback("oauth2_authorization_codes"),
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) countCallback(table string) instrumentation.StorageSizeCallback {
	query := `SELECT COUNT(*) FROM ` + table
	return func() int64 {
		var n int64
		if err := s.db.QueryRow(query).Scan(&n); err != nil {
			s.logger.Debug("Failed to count rows", "table", table, "error", err)
			return 0
		}
		return n
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers a new client and its redirect URIs in one transaction
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

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO oauth2_clients
		(client_id, client_secret_hash, client_name, user_id, scope, response_type, grant_type, token_endpoint_auth_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID, client.ClientSecretHash, client.ClientName, client.UserID, client.Scope,
		client.ResponseType, client.GrantType, client.TokenEndpointAuthMethod, createdAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrClientExists
		}
		return fmt.Errorf("insert client: %w", err)
	}

	for i, uri := range client.RedirectURIs {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO oauth2_client_redirect_uris (client_id, position, redirect_uri) VALUES (?, ?, ?)`,
			client.ClientID, i, uri,
		); err != nil {
			return fmt.Errorf("insert redirect uri: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit client: %w", err)
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

const clientColumns = `client_id, client_secret_hash, client_name, user_id, scope, response_type, grant_type, token_endpoint_auth_method, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var c storage.Client
	var createdAt int64
	if err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.UserID, &c.Scope,
		&c.ResponseType, &c.GrantType, &c.TokenEndpointAuthMethod, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	client, err = scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM oauth2_clients WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	client.RedirectURIs, err = s.redirectURIs(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Store) redirectURIs(ctx context.Context, clientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT redirect_uri FROM oauth2_client_redirect_uris WHERE client_id = ? ORDER BY position`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query redirect uris: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan redirect uri: %w", err)
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM oauth2_clients ORDER BY created_at, client_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	var clients []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// redirect URIs are loaded after the cursor is closed; the pool holds a single connection
	for _, c := range clients {
		if c.RedirectURIs, err = s.redirectURIs(ctx, c.ClientID); err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// DeleteClient removes a client; foreign keys cascade to redirect URIs, tokens and codes
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth2_clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	s.logger.Info("Deleted client", "client_id", clientID)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

const tokenColumns = `id, client_id, user_id, grant_type, access_token, COALESCE(refresh_token, ''), scope, issued_at, expires_in, refresh_expires_in`

func scanToken(row rowScanner) (*storage.Token, error) {
	var t storage.Token
	if err := row.Scan(&t.ID, &t.ClientID, &t.UserID, &t.GrantType, &t.AccessToken, &t.RefreshToken,
		&t.Scope, &t.IssuedAt, &t.ExpiresIn, &t.RefreshExpiresIn); err != nil {
		return nil, err
	}
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
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

// CreateToken persists a new token, stamping IssuedAt with the store clock
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_token", err, startTime) }()

	if err = checkNewToken(token); err != nil {
		return err
	}
	if err = s.insertToken(ctx, s.db, token); err != nil {
		return err
	}

	s.logger.Debug("Created token",
		"token_id", token.ID,
		"client_id", token.ClientID,
		"grant_type", token.GrantType)
	return nil
}

func (s *Store) insertToken(ctx context.Context, ex execer, token *storage.Token) error {
	id := token.ID
	if id == "" {
		id = uuid.NewString()
	}
	issuedAt := s.now().Unix()

	// NULL keeps the UNIQUE constraint from matching tokens without a refresh token
	var refresh any
	if token.RefreshToken != "" {
		refresh = token.RefreshToken
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO oauth2_tokens
		(id, client_id, user_id, grant_type, access_token, refresh_token, scope, issued_at, expires_in, refresh_expires_in)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, token.ClientID, token.UserID, token.GrantType, token.AccessToken, refresh,
		token.Scope, issuedAt, token.ExpiresIn, token.RefreshExpiresIn,
	)
	switch {
	case err == nil:
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", storage.ErrTokenExists, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, token.ClientID)
	default:
		return fmt.Errorf("insert token: %w", err)
	}

	token.ID = id
	token.IssuedAt = issuedAt
	return nil
}

// GetTokenByAccessToken looks a token up by its access token string
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (tok *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token_by_access_token", err, startTime) }()

	tok, err = scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth2_tokens WHERE access_token = ?`, accessToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
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
	tok, err = scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth2_tokens WHERE refresh_token = ?`, refreshToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

// RotateRefreshToken deletes the token owning refreshToken and inserts next in one transaction
func (s *Store) RotateRefreshToken(ctx context.Context, refreshToken string, next *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if refreshToken == "" {
		return storage.ErrTokenNotFound
	}
	if err = checkNewToken(next); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM oauth2_tokens WHERE refresh_token = ?`, refreshToken)
	if err != nil {
		return fmt.Errorf("delete rotated token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rotated token: %w", err)
	}
	if n == 0 {
		return storage.ErrTokenNotFound
	}

	if err = s.insertToken(ctx, tx, next); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength),
		"token_id", next.ID,
		"client_id", next.ClientID)
	return nil
}

// DeleteExpiredTokens removes tokens whose access and refresh tokens are both expired
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth2_tokens
		WHERE issued_at + expires_in <= ?1
		AND (refresh_token IS NULL OR (refresh_expires_in > 0 AND issued_at + refresh_expires_in <= ?1))`,
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(n), nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

const codeColumns = `code, client_id, redirect_uri, scope, user_id, created_at, expires_at, used`

func scanCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	var createdAt, expiresAt int64
	var used int
	if err := row.Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.Scope, &c.UserID, &createdAt, &expiresAt, &used); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.ExpiresAt = time.Unix(expiresAt, 0)
	c.Used = used != 0
	return &c, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth2_authorization_codes (`+codeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		code.Code, code.ClientID, code.RedirectURI, code.Scope, code.UserID,
		code.CreatedAt.Unix(), code.ExpiresAt.Unix(),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return storage.ErrAuthorizationCodeExists
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, code.ClientID)
	default:
		return fmt.Errorf("insert authorization code: %w", err)
	}
}

// GetAuthorizationCode retrieves an authorization code without marking it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ac, err := scanCode(s.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM oauth2_authorization_codes WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	return ac, nil
}

// AtomicCheckAndMarkAuthCodeUsed marks an unused, unexpired code used with a
// conditional UPDATE; only the caller whose UPDATE matched gets the code back.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "check_and_mark_code_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "check_and_mark_code_used", err, startTime) }()

	now := s.now().Unix()
	ac, err = scanCode(s.db.QueryRowContext(ctx,
		`UPDATE oauth2_authorization_codes SET used = 1
		WHERE code = ? AND used = 0 AND expires_at > ?
		RETURNING `+codeColumns,
		code, now,
	))
	if err == nil {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return ac, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark authorization code used: %w", err)
	}

	// the UPDATE matched nothing: classify why
	existing, err := s.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if existing.ExpiresAt.Unix() <= now {
		return nil, storage.ErrAuthorizationCodeExpired
	}
	return existing, storage.ErrAuthorizationCodeUsed
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth2_authorization_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("delete authorization code: %w", err)
	}
	return nil
}

// DeleteExpiredCodes removes authorization codes expired at now
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth2_authorization_codes WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return int(n), nil
}

// ============================================================
// Helpers
// ============================================================

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "sqlite")
	return ctx, span
}

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
