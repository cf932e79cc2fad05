package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/owner/static"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/sqlite"
	"github.com/giantswarm/oauth2-server/storage/valkey"
	"github.com/giantswarm/oauth2-server/tokens"
)

// Optional endpoints that OAUTH2D_DISABLED_ENDPOINTS can switch off
const (
	endpointMetrics  = "metrics"
	endpointHealth   = "healthz"
	endpointMetadata = "metadata"
)

// serveFlags override the environment for the values they name
type serveFlags struct {
	listen    string
	issuer    string
	store     string
	storePath string
	htpasswd  string
	logLevel  string
}

func newServeCommand(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.validate(); err != nil {
				return err
			}
			lvl, _ := parseLogLevel(cfg.LogLevel)
			level.Set(lvl)

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.listen, "listen", "", "listen address (env OAUTH2D_LISTEN_ADDR)")
	f.StringVar(&flags.issuer, "issuer", "", "issuer base URL (env OAUTH2D_ISSUER)")
	f.StringVar(&flags.store, "store", "", "store backend: memory or sqlite (env OAUTH2D_STORE)")
	f.StringVar(&flags.storePath, "store-path", "", "sqlite database path (env OAUTH2D_STORE_PATH)")
	f.StringVar(&flags.htpasswd, "htpasswd", "", "htpasswd file with resource owners (env OAUTH2D_HTPASSWD_FILE)")
	f.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error (env OAUTH2D_LOG_LEVEL)")
	return cmd
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config) {
	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	if changed("listen") {
		cfg.ListenAddr = f.listen
	}
	if changed("issuer") {
		cfg.Issuer = f.issuer
	}
	if changed("store") {
		cfg.Store = f.store
	}
	if changed("store-path") {
		cfg.StorePath = f.storePath
	}
	if changed("htpasswd") {
		cfg.HTPasswdFile = f.htpasswd
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

// backend is a store oauth2d can run on
type backend interface {
	storage.Store
	SetLogger(logger *slog.Logger)
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// expiringStore is a backend without its own cleanup loop
type expiringStore interface {
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error)
}

func openStore(ctx context.Context, cfg *config, logger *slog.Logger) (backend, func() error, error) {
	switch cfg.Store {
	case storeSQLite:
		s, err := sqlite.Open(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		s.SetLogger(logger)
		return s, s.Close, nil
	case storeValkey:
		vc := valkey.Config{
			Address:   cfg.ValkeyAddr,
			Username:  cfg.ValkeyUsername,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
		}
		if cfg.ValkeyTLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := valkey.New(vc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case storeMemory:
		s := memory.NewWithInterval(cfg.CleanupInterval)
		s.SetLogger(logger)
		return s, func() error { s.Stop(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// app is a fully wired oauth2d instance
type app struct {
	cfg    *config
	logger *slog.Logger

	store      backend
	closeStore func() error
	inst       *instrumentation.Instrumentation
	server     *server.Server
	oauth      *oauth.Handler
	handler    http.Handler
}

func newApp(ctx context.Context, cfg *config, logger *slog.Logger) (*app, error) {
	exporter := instrumentation.MetricExporterNone
	if cfg.Metrics && cfg.endpointEnabled(endpointMetrics) {
		exporter = instrumentation.MetricExporterPrometheus
	}
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth2d",
		ServiceVersion: version,
		Enabled:        exporter != instrumentation.MetricExporterNone || cfg.OTLPEndpoint != "",
		LogClientIPs:   cfg.LogClientIPs,
		MetricExporter: exporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init instrumentation: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = inst.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	store.SetInstrumentation(inst)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		closeStore: closeStore,
		inst:       inst,
	}
	if err := a.wire(); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	users := static.New()
	if cfg.HTPasswdFile != "" {
		dir, err := static.LoadHTPasswdFile(cfg.HTPasswdFile)
		if err != nil {
			return err
		}
		users = dir
		a.logger.Info("Loaded resource owners", "path", cfg.HTPasswdFile, "count", users.Len())
	} else {
		a.logger.Warn("No htpasswd file configured, no resource owner can sign in")
	}
	var passwords owner.PasswordAuthenticator
	if cfg.PasswordGrant && users.Len() > 0 {
		passwords = users
	}

	lifetimes := tokens.Lifetimes{Default: seconds(cfg.AccessTokenTTL)}
	if cfg.ClientCredentialsTTL > 0 {
		lifetimes.ByGrant = map[string]int64{
			storage.GrantTypeClientCredentials: seconds(cfg.ClientCredentialsTTL),
		}
	}
	var factory tokens.Factory = tokens.NewRandom(lifetimes)
	if cfg.JWTKey != "" {
		jwtFactory, err := tokens.NewJWT([]byte(cfg.JWTKey), cfg.Issuer, lifetimes)
		if err != nil {
			return fmt.Errorf("configure JWT access tokens: %w", err)
		}
		factory = jwtFactory
	}

	srv, err := server.New(a.store, factory, passwords, &server.Config{
		Issuer:                      cfg.Issuer,
		AuthorizationCodeTTL:        seconds(cfg.CodeTTL),
		RefreshTokenTTL:             seconds(cfg.RefreshTokenTTL),
		DisableRefreshTokenRotation: cfg.DisableRotation,
		AllowInsecureHTTP:           cfg.AllowInsecure,
	}, a.logger)
	if err != nil {
		return err
	}
	auditor := security.NewAuditor(a.logger, cfg.Audit)
	auditor.SetInstrumentation(a.inst)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(a.inst)
	a.server = srv

	var consentKey []byte
	if cfg.ConsentKey != "" {
		consentKey = []byte(cfg.ConsentKey)
	} else {
		a.logger.Warn("No consent key configured, consent decisions are not bound to the rendered page",
			"hint", "set OAUTH2D_CONSENT_KEY to enable consent tickets")
	}
	h, err := oauth.NewHandler(srv, users, &oauth.Config{
		LoginURL:   cfg.LoginURL,
		Realm:      cfg.Realm,
		ConsentKey: consentKey,
		RateLimit: security.RateLimitConfig{
			Rate:  cfg.TokenRateLimit,
			Burst: cfg.TokenRateBurst,
		},
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
	}, a.logger)
	if err != nil {
		return err
	}
	h.SetInstrumentation(a.inst)
	a.oauth = h

	mux := http.NewServeMux()
	mux.HandleFunc(oauth.AuthorizationPath, h.ServeAuthorization)
	mux.HandleFunc(oauth.TokenPath, h.ServeToken)
	if cfg.endpointEnabled(endpointMetadata) {
		mux.HandleFunc(oauth.MetadataPath, h.ServeAuthorizationServerMetadata)
	}
	if cfg.endpointEnabled(endpointHealth) {
		mux.HandleFunc("/healthz", a.serveHealth)
	}
	if cfg.Metrics && cfg.endpointEnabled(endpointMetrics) {
		mux.Handle("/metrics", a.inst.MetricsHandler())
	}
	a.handler = security.RequestIDMiddleware(mux)
	return nil
}

func (a *app) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status, code := "ok", http.StatusOK
	if _, err := a.store.ListClients(r.Context()); err != nil {
		a.logger.Error("Health check failed", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// run serves until ctx is cancelled, then shuts down gracefully
func (a *app) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	return a.serve(ctx, ln)
}

func (a *app) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	if s, ok := a.store.(expiringStore); ok {
		go a.cleanupLoop(cleanupCtx, s)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	a.logger.Info("oauth2d listening",
		"addr", ln.Addr().String(),
		"issuer", a.cfg.Issuer,
		"store", a.cfg.Store,
		"password_grant", a.server.PasswordGrantEnabled())

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown did not complete", "error", err)
	}
	stopCleanup()
	closeErr := a.close(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", serveErr)
	}
	a.logger.Info("oauth2d stopped")
	return closeErr
}

func (a *app) cleanupLoop(ctx context.Context, s expiringStore) {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			removedTokens, err := s.DeleteExpiredTokens(ctx, now)
			if err != nil {
				a.logger.Warn("Failed to delete expired tokens", "error", err)
			}
			removedCodes, err := s.DeleteExpiredCodes(ctx, now)
			if err != nil {
				a.logger.Warn("Failed to delete expired authorization codes", "error", err)
			}
			if removedTokens > 0 || removedCodes > 0 {
				a.logger.Debug("Cleaned up expired entries", "tokens", removedTokens, "codes", removedCodes)
			}
		}
	}
}

func (a *app) close(ctx context.Context) error {
	if a.oauth != nil {
		a.oauth.Stop()
	}
	var errs []error
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.inst.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown instrumentation: %w", err))
	}
	return errors.Join(errs...)
}
