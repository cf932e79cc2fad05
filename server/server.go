package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/tokens"
)

// maxIssueAttempts bounds retries when a generated credential collides with a stored one
const maxIssueAttempts = 3

// Server implements the OAuth 2.0 grant engine. It is stateless between
// calls and safe for concurrent use.
type Server struct {
	store     storage.Store
	tokens    tokens.Factory
	passwords owner.PasswordAuthenticator
	Auditor   *security.Auditor
	Logger    *slog.Logger
	Config    *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// New creates a grant engine. A nil factory issues random tokens with the
// default lifetime; a nil password authenticator disables the password grant.
func New(
	store storage.Store,
	factory tokens.Factory,
	passwords owner.PasswordAuthenticator,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = tokens.NewRandom(tokens.Lifetimes{})
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:     store,
		tokens:    factory,
		passwords: passwords,
		Logger:    logger,
		Config:    config,
		now:       time.Now,
	}

	if err := srv.validateIssuer(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for grant operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock replaces the clock used for code expiry and refresh token checks
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PasswordGrantEnabled reports whether a password authenticator is configured
func (s *Server) PasswordGrantEnabled() bool {
	return s.passwords != nil
}

// Store returns the backing store
func (s *Server) Store() storage.Store {
	return s.store
}

// validateIssuer refuses a plain http issuer outside loopback unless allowed
func (s *Server) validateIssuer() error {
	if s.Config.Issuer == "" {
		return nil
	}
	u, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHost(u.Hostname()) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use https outside localhost (got %s), set AllowInsecureHTTP to override", s.Config.Issuer)
		}
		s.Logger.Error("Running the authorization server over plain HTTP",
			"issuer", s.Config.Issuer,
			"risk", "Tokens and client secrets are sent in clear text")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme %q (must be http or https)", u.Scheme)
	}
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}
	return s.tracer.Start(ctx, "server."+name, trace.WithAttributes(attrs...))
}

// finishSpan records the outcome of a grant operation on span
func finishSpan(span trace.Span, err error) {
	if !span.SpanContext().IsValid() {
		return
	}
	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}
	oauthErr := AsError(err)
	instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
	instrumentation.RecordError(span, err)
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}
