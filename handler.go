package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/owner"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// Endpoint paths served by Handler
const (
	AuthorizationPath = "/oauth2/authorize"
	TokenPath         = "/oauth2/token"
	MetadataPath      = "/.well-known/oauth-authorization-server"
)

// Handler is a thin HTTP adapter for the grant engine.
// It parses requests, authenticates the resource owner and client, and
// delegates every protocol decision to server.Server.
type Handler struct {
	server      *server.Server
	users       owner.RequestAuthenticator
	config      *Config
	consent     ConsentRenderer
	tickets     *consentTickets
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instrumentation.Metrics
	logIPs      bool
	mux         *http.ServeMux
}

// NewHandler creates the HTTP handler. users identifies the resource owner on
// the authorization endpoint.
func NewHandler(srv *server.Server, users owner.RequestAuthenticator, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if users == nil {
		return nil, fmt.Errorf("resource owner authenticator is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		server:  srv,
		users:   users,
		config:  config,
		consent: templateRenderer{},
		logger:  logger,
	}
	if config.ConsentKey != nil {
		h.tickets = newConsentTickets(config.ConsentKey, config.ConsentTicketTTL)
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit, logger)
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc(AuthorizationPath, h.ServeAuthorization)
	h.mux.HandleFunc(TokenPath, h.ServeToken)
	h.mux.HandleFunc(MetadataPath, h.ServeAuthorizationServerMetadata)

	return h, nil
}

// SetInstrumentation enables HTTP spans and metrics
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
	h.logIPs = inst.ShouldLogClientIPs()
}

// SetConsentRenderer replaces the built-in consent page
func (h *Handler) SetConsentRenderer(renderer ConsentRenderer) {
	if renderer != nil {
		h.consent = renderer
	}
}

// ServeHTTP routes requests to the authorization, token and metadata endpoints
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Stop releases the rate limiter's background cleanup
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// statusWriter captures the response status for metrics and carries the
// request-scoped logger
type statusWriter struct {
	http.ResponseWriter
	status int
	logger *slog.Logger
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// begin starts the span and status capture shared by all endpoints. The
// returned function records the HTTP metrics and must be deferred.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, endpoint string) (*statusWriter, *http.Request, trace.Span, func()) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http."+endpoint)
	}

	clientIP := security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	ctx = security.WithClientIP(ctx, clientIP)
	r = r.WithContext(ctx)
	if h.logIPs {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}

	logger := h.logger
	if requestID := security.GetRequestID(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK, logger: logger}
	security.SetSecurityHeaders(sw, h.server.Config.Issuer)

	return sw, r, span, func() {
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, sw.status)
		h.recordHTTPMetrics(ctx, endpoint, r.Method, sw.status, startTime)
		if span != nil {
			span.End()
		}
	}
}

// ServeAuthorization handles the authorization endpoint. GET validates the
// request and renders the consent page; POST carries the resource owner's
// decision along with the re-encoded request parameters.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, "authorization")
	defer done()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		sw.Header().Set("Allow", "GET, POST")
		h.writeError(sw, &Error{Code: ErrorCodeInvalidRequest, Description: "method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(sw, ErrInvalidRequest("failed to parse request"))
		return
	}

	req := server.AuthorizationRequest{
		ClientID:     r.Form.Get("client_id"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ResponseType: r.Form.Get("response_type"),
		Scope:        r.Form.Get("scope"),
		State:        r.Form.Get("state"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	grant, err := h.server.ValidateAuthorizationRequest(r.Context(), req)
	if err != nil {
		h.writeAuthorizationError(sw, r, span, err)
		return
	}

	user, err := h.users.AuthenticateRequest(r)
	if err != nil {
		h.writeError(sw, ErrServerError(fmt.Errorf("failed to authenticate resource owner: %w", err)))
		return
	}
	if user == nil {
		h.requireLogin(sw, r, grant)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrUserID, user.ID))

	if r.Method == http.MethodGet {
		h.renderConsent(sw, r, grant, user)
		return
	}
	h.handleConsentDecision(sw, r, span, grant, user)
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, grant *server.Grant, user *owner.User) {
	fields := authorizationParams(grant.Request())
	page := &ConsentPage{
		Action: r.URL.Path,
		Grant:  grant,
		User:   user,
		Fields: make(map[string]string, len(fields)+1),
	}
	for name := range fields {
		page.Fields[name] = fields.Get(name)
	}
	if h.tickets != nil {
		ticket, err := h.tickets.issue(grant, user)
		if err != nil {
			h.writeError(w, ErrServerError(err))
			return
		}
		page.Fields[FieldConsentTicket] = ticket
	}

	security.SetConsentPageHeaders(w)
	if err := h.consent.RenderConsent(w, r, page); err != nil {
		h.requestLogger(w).Error("Failed to render consent page", "client_id", grant.Client.ClientID, "error", err)
		h.writeError(w, ErrServerError(err))
	}
}

func (h *Handler) handleConsentDecision(w http.ResponseWriter, r *http.Request, span trace.Span, grant *server.Grant, user *owner.User) {
	ctx := r.Context()

	if h.tickets != nil {
		if err := h.tickets.verify(r.PostForm.Get(FieldConsentTicket), grant, user); err != nil {
			h.requestLogger(w).Warn("Consent ticket rejected",
				"client_id", grant.Client.ClientID,
				"ip", security.ClientIPFromContext(ctx),
				"error", err)
			h.server.Auditor.LogAuthFailure(user.ID, grant.Client.ClientID, security.ClientIPFromContext(ctx), "invalid_consent_ticket")
			h.writeError(w, ErrInvalidRequest("consent ticket is invalid or expired"))
			return
		}
	}

	decision := r.PostForm.Get(FieldDecision)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrConsentDecision, decision))

	var (
		location string
		err      error
	)
	switch decision {
	case DecisionAllow:
		location, err = h.server.CompleteAuthorization(ctx, grant, user)
	case DecisionDeny:
		location, err = h.server.DenyAuthorization(ctx, grant, user)
	default:
		h.writeError(w, ErrInvalidRequest("decision must be allow or deny"))
		return
	}
	if err != nil {
		h.writeAuthorizationError(w, r, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, location, http.StatusFound)
}

// requireLogin sends an unauthenticated resource owner to LoginURL, or
// challenges for Basic credentials when no login page is configured
func (h *Handler) requireLogin(w http.ResponseWriter, r *http.Request, grant *server.Grant) {
	if h.config.LoginURL == "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.config.Realm))
		h.writeError(w, &Error{
			Code:        ErrorCodeAccessDenied,
			Description: "resource owner authentication required",
			Status:      http.StatusUnauthorized,
		})
		return
	}

	next := r.URL.Path + "?" + authorizationParams(grant.Request()).Encode()
	login, err := url.Parse(h.config.LoginURL)
	if err != nil {
		h.writeError(w, ErrServerError(err))
		return
	}
	query := login.Query()
	query.Set("next", next)
	login.RawQuery = query.Encode()
	http.Redirect(w, r, login.String(), http.StatusFound)
}

// authorizationParams encodes an authorization request, omitting empty values
func authorizationParams(req server.AuthorizationRequest) url.Values {
	params := url.Values{}
	set := func(key, value string) {
		if value != "" {
			params.Set(key, value)
		}
	}
	set("client_id", req.ClientID)
	set("redirect_uri", req.RedirectURI)
	set("response_type", req.ResponseType)
	set("scope", req.Scope)
	set("state", req.State)
	return params
}

// writeAuthorizationError delivers err by redirect when it carries a validated
// redirect URI, and directly otherwise
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	oauthErr := server.AsError(err)
	instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
	if oauthErr.Redirectable() {
		location, rerr := oauthErr.RedirectURL()
		if rerr == nil {
			if oauthErr.Code == ErrorCodeServerError {
				h.requestLogger(w).Error("Authorization request failed", "error", oauthErr.Err)
			}
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
		h.requestLogger(w).Error("Failed to build error redirect", "error", rerr)
	}
	h.writeError(w, oauthErr)
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, "token")
	defer done()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		sw.Header().Set("Allow", http.MethodPost)
		h.writeError(sw, &Error{Code: ErrorCodeInvalidRequest, Description: "method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}

	if h.checkIPRateLimit(sw, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(sw, ErrInvalidRequest("failed to parse request"))
		return
	}

	creds, err := clientCredentials(r)
	if err != nil {
		h.writeError(sw, server.AsError(err))
		return
	}
	basic := creds.Method == storage.AuthMethodClientSecretBasic
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, creds.ClientID),
		attribute.String(instrumentation.AttrAuthMethod, creds.Method),
		attribute.String(instrumentation.AttrGrantType, r.PostForm.Get("grant_type")))

	client, err := h.server.AuthenticateClient(ctx, creds)
	if err != nil {
		h.writeTokenError(sw, span, err, basic)
		return
	}

	resp, err := h.server.IssueToken(ctx, client, server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	})
	if err != nil {
		h.writeTokenError(sw, span, err, basic)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(sw, http.StatusOK, resp)
}

// clientCredentials extracts the client credentials of a token request.
// Basic credentials are form-urlencoded (RFC 6749 section 2.3.1).
func clientCredentials(r *http.Request) (server.ClientCredentials, error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if r.Header.Get("Authorization") == "" {
		if formSecret != "" {
			return server.ClientCredentials{ClientID: formID, ClientSecret: formSecret, Method: storage.AuthMethodClientSecretPost}, nil
		}
		return server.ClientCredentials{ClientID: formID, Method: storage.AuthMethodNone}, nil
	}

	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return server.ClientCredentials{}, ErrInvalidClient("malformed Authorization header")
	}
	id, err := url.QueryUnescape(rawID)
	if err != nil {
		return server.ClientCredentials{}, ErrInvalidClient("malformed Authorization header")
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		return server.ClientCredentials{}, ErrInvalidClient("malformed Authorization header")
	}
	if formSecret != "" {
		return server.ClientCredentials{}, ErrInvalidRequest("multiple client authentication methods")
	}
	if formID != "" && formID != id {
		return server.ClientCredentials{}, ErrInvalidRequest("client_id does not match the Authorization header")
	}
	return server.ClientCredentials{
		ClientID:     util.FirstNonEmpty(id, formID),
		ClientSecret: secret,
		Method:       storage.AuthMethodClientSecretBasic,
	}, nil
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request) bool {
	clientIP := security.ClientIPFromContext(r.Context())
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.requestLogger(w).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, "ip")
	w.Header().Set("Retry-After", "60")
	h.writeError(w, &Error{
		Code:        ErrorCodeRateLimitExceeded,
		Description: "rate limit exceeded, try again later",
		Status:      http.StatusTooManyRequests,
	})
	return true
}

func (h *Handler) writeTokenError(w http.ResponseWriter, span trace.Span, err error, basic bool) {
	oauthErr := server.AsError(err)
	instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
	if oauthErr.Status == http.StatusUnauthorized && basic {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.config.Realm))
	}
	h.writeError(w, oauthErr)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	sw, r, _, done := h.begin(w, r, "metadata")
	defer done()

	if r.Method != http.MethodGet {
		sw.Header().Set("Allow", http.MethodGet)
		h.writeError(sw, &Error{Code: ErrorCodeInvalidRequest, Description: "method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}

	issuer := h.issuer(r)
	grantTypes := []string{
		storage.GrantTypeAuthorizationCode,
		storage.GrantTypeImplicit,
		storage.GrantTypeClientCredentials,
		storage.GrantTypeRefreshToken,
	}
	if h.server.PasswordGrantEnabled() {
		grantTypes = append(grantTypes, storage.GrantTypePassword)
	}

	h.writeJSON(sw, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + AuthorizationPath,
		TokenEndpoint:          issuer + TokenPath,
		ResponseTypesSupported: []string{storage.ResponseTypeCode, storage.ResponseTypeToken},
		GrantTypesSupported:    grantTypes,
		TokenEndpointAuthMethodsSupported: []string{
			storage.AuthMethodClientSecretBasic,
			storage.AuthMethodClientSecretPost,
			storage.AuthMethodNone,
		},
	})
}

// issuer returns the configured issuer, or one derived from the request
func (h *Handler) issuer(r *http.Request) string {
	if h.server.Config.Issuer != "" {
		return strings.TrimSuffix(h.server.Config.Issuer, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// requestLogger returns the logger bound to the request served through w
func (h *Handler) requestLogger(w http.ResponseWriter) *slog.Logger {
	if sw, ok := w.(*statusWriter); ok && sw.logger != nil {
		return sw.logger
	}
	return h.logger
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	if oauthErr.Code == ErrorCodeServerError {
		h.requestLogger(w).Error("Request failed", "error", oauthErr.Err)
	}
	status := oauthErr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.requestLogger(w).Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
