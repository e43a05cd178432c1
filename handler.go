package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
	"github.com/giantswarm/mcp-authz/storage"
)

// Endpoint paths served by Routes.
const (
	AuthorizePath                   = "/authorize"
	CallbackPath                    = "/callback/{provider}"
	TokenPath                       = "/token"
	RegisterPath                    = "/register"
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
	OpenIDConfigurationPath         = "/.well-known/openid-configuration"
	JWKSPath                        = "/.well-known/jwks.json"
)

// LimiterRegistration names the /register limiter in metrics and audit events.
const LimiterRegistration = "registration"

// Handler serves the OAuth endpoints and guards protected resources.
type Handler struct {
	server              *server.Server
	config              *Config
	limiter             *ratelimit.Limiter
	registrationLimiter *security.RateLimiter
	logger              *slog.Logger
	tracer              trace.Tracer
}

// NewHandler creates a new HTTP handler around srv. A nil config uses defaults.
func NewHandler(srv *server.Server, config *Config) *Handler {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	return &Handler{
		server:  srv,
		config:  &cfg,
		limiter: cfg.RateLimit.Limiter,
		registrationLimiter: security.NewRateLimiter(
			cfg.RateLimit.RegistrationPerMinute,
			cfg.RateLimit.RegistrationBurst,
			cfg.Logger,
		),
		logger: cfg.Logger,
		tracer: instrumentation.TracerOrNoop(srv.Instrumentation(), "http"),
	}
}

// Close releases background resources.
func (h *Handler) Close() {
	h.registrationLimiter.Stop()
}

// Server returns the underlying authorization server.
func (h *Handler) Server() *server.Server {
	return h.server
}

// Routes mounts the OAuth and discovery endpoints on a new router. Callers
// add their protected routes behind ValidateToken.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get(AuthorizePath, h.ServeAuthorization)
	r.Get(CallbackPath, h.ServeCallback)
	r.Post(TokenPath, h.ServeToken)
	r.Post(RegisterPath, h.ServeClientRegistration)

	r.Get(AuthorizationServerMetadataPath, h.ServeAuthorizationServerMetadata)
	r.Get(OpenIDConfigurationPath, h.ServeOpenIDConfiguration)
	r.Get(ProtectedResourceMetadataPath, h.ServeProtectedResourceMetadata)
	r.Get(JWKSPath, h.ServeJWKS)
	return r
}

func (h *Handler) endpoint(path string) string {
	return h.server.Config.Issuer() + path
}

// ServeAuthorization handles /authorize and redirects to the upstream provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()

	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"), // RFC 8707
		Provider:            q.Get("provider"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
		attribute.String(instrumentation.AttrProvider, req.Provider),
	)

	authURL, err := h.server.StartAuthorization(ctx, req)
	if err != nil {
		status := h.writeFlowError(w, span, "Authorization request rejected", err)
		h.recordHTTPMetrics("authorization", r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the upstream provider redirect and forwards the
// caller to its redirect URI with our authorization code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.callback")
	defer span.End()

	q := r.URL.Query()
	req := server.CallbackRequest{
		Provider:         chi.URLParam(r, "provider"),
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrProvider, req.Provider))

	redirectURL, err := h.server.HandleCallback(ctx, req)
	if err != nil {
		status := h.writeFlowError(w, span, "Callback rejected", err)
		h.recordHTTPMetrics("callback", r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics("callback", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// decodeRegistration reads client metadata from a JSON body or, when the
// request is form-encoded, from repeated redirect_uris form values.
func decodeRegistration(r *http.Request) (ClientRegistrationRequest, error) {
	var req ClientRegistrationRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.RedirectURIs = r.PostForm["redirect_uris"]
	req.ClientName = r.PostForm.Get("client_name")
	req.TokenEndpointAuthMethod = r.PostForm.Get("token_endpoint_auth_method")
	return req, nil
}

// ServeToken handles the token endpoint. Only the authorization_code grant
// is supported.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	clientIP := security.ClientIP(r, h.config.TrustedProxies)

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		return
	}

	clientID, clientSecret, usedBasic, err := clientCredentials(r)
	if err != nil {
		status := h.writeFlowError(w, span, "Token request rejected", err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	req := server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostForm.Get("code_verifier"),
		Resource:     r.PostForm.Get("resource"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	resp, err := h.server.ExchangeAuthorizationCode(ctx, req, clientIP)
	if err != nil {
		if usedBasic && AsOAuthError(err).Code == ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		status := h.writeFlowError(w, span, "Token request rejected", err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)

	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
}

// clientCredentials reads client_secret_basic or client_secret_post
// credentials. Basic credentials are form-encoded per RFC 6749 Section 2.3.1.
func clientCredentials(r *http.Request) (clientID, secret string, usedBasic bool, err error) {
	formID := r.PostForm.Get("client_id")

	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return formID, r.PostForm.Get("client_secret"), false, nil
	}

	if basicID, err = url.QueryUnescape(basicID); err != nil {
		return "", "", true, ErrInvalidClient("malformed client credentials")
	}
	if basicSecret, err = url.QueryUnescape(basicSecret); err != nil {
		return "", "", true, ErrInvalidClient("malformed client credentials")
	}
	if formID != "" && formID != basicID {
		return "", "", true, ErrInvalidRequest("client_id does not match the authenticated client")
	}
	if r.PostForm.Get("client_secret") != "" {
		return "", "", true, ErrInvalidRequest("multiple client authentication methods used")
	}
	return basicID, basicSecret, true, nil
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.register")
	defer span.End()

	clientIP := security.ClientIP(r, h.config.TrustedProxies)

	if !h.registrationLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		h.recordRateLimitExceeded(ctx, LimiterRegistration, clientIP, "")
		h.writeRateLimitError(w, ratelimit.Decision{
			Limiter:    LimiterRegistration,
			RetryAfter: time.Minute,
		})
		h.recordHTTPMetrics("register", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	bearer, _ := bearerToken(r)
	if err := h.server.AuthorizeRegistration(bearer); err != nil {
		h.server.Auditor.LogAuthFailure("", "", clientIP, "registration_unauthorized")
		status := h.writeFlowError(w, span, "Client registration unauthorized", err)
		h.recordHTTPMetrics("register", r.Method, status, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	req, err := decodeRegistration(r)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid client metadata", http.StatusBadRequest)
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		return
	}

	client, secret, err := h.server.RegisterClient(ctx, server.RegistrationRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}, clientIP)
	if err != nil {
		status := h.writeFlowError(w, span, "Client registration failed", err)
		h.recordHTTPMetrics("register", r.Method, status, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	h.writeRegistrationResponse(w, client, secret)
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)
	instrumentation.SetSpanSuccess(span)
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)

	clientType := server.ClientTypeConfidential
	if client.IsPublic() {
		clientType = server.ClientTypePublic
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		ClientType:              clientType,
	})
}

func (h *Handler) authorizationServerMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer(),
		AuthorizationEndpoint:             h.endpoint(AuthorizePath),
		TokenEndpoint:                     h.endpoint(TokenPath),
		RegistrationEndpoint:              h.endpoint(RegisterPath),
		JWKSURI:                           h.endpoint(JWKSPath),
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode},
		TokenEndpointAuthMethodsSupported: server.SupportedTokenEndpointAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeDiscovery(w, r, "authorization_server_metadata", h.authorizationServerMetadata())
}

// ServeOpenIDConfiguration serves the OpenID discovery document for clients
// that probe it instead of RFC 8414.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.writeDiscovery(w, r, "openid_configuration", OpenIDConfiguration{
		AuthorizationServerMetadata: h.authorizationServerMetadata(),
		SubjectTypesSupported:       []string{"public"},
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeDiscovery(w, r, "protected_resource_metadata", ProtectedResourceMetadata{
		Resource:               h.server.Config.Resource(),
		AuthorizationServers:   []string{h.server.Config.Issuer()},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.Config.SupportedScopes,
	})
}

// ServeJWKS serves an empty key set. Access tokens are opaque and verified
// against the store, so no signing keys are published.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.writeDiscovery(w, r, "jwks", jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}})
}

func (h *Handler) writeDiscovery(w http.ResponseWriter, r *http.Request, endpoint string, doc any) {
	startTime := time.Now()
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Del("Pragma")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
	h.recordHTTPMetrics(endpoint, r.Method, http.StatusOK, startTime)
}

// writeFlowError writes the protocol error carried by err and returns the
// status written. Server errors are logged with their cause.
func (h *Handler) writeFlowError(w http.ResponseWriter, span trace.Span, msg string, err error) int {
	oerr := AsOAuthError(err)
	instrumentation.RecordError(span, err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, oerr.Code))

	if oerr.Status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error_code", oerr.Code, "error", err)
	} else {
		h.logger.Debug(msg, "error_code", oerr.Code, "error", err)
	}

	if oerr.Code == ErrorCodeInvalidToken {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", oerr.Code, oerr.Description))
	}
	h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
	return oerr.Status
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with a challenge pointing at the
// protected resource metadata, per RFC 6750 and RFC 9728.
//
// Example:
//
//	HTTP/1.1 401 Unauthorized
//	WWW-Authenticate: Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource",
//	                         scope="files:read",
//	                         error="invalid_token",
//	                         error_description="Token has expired"
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, scope, code, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, code, description))
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// writeInsufficientScopeError writes a 403 naming the scopes the operation needs.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	scope := strings.Join(requiredScopes, " ")
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, ErrorCodeInsufficientScope, description))
	h.writeError(w, ErrorCodeInsufficientScope, description, http.StatusForbidden)
}

// writeRateLimitError writes a 429 with Retry-After and the window details.
func (h *Handler) writeRateLimitError(w http.ResponseWriter, d ratelimit.Decision) {
	security.SetSecurityHeaders(w, h.server.Config.BaseURL)
	retryAfter := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	setRateLimitHeaders(w, d)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(RateLimitErrorResponse{
		ErrorResponse: ErrorResponse{
			Error:            ErrorCodeRateLimitExceeded,
			ErrorDescription: "Rate limit exceeded. Please try again later.",
		},
		RetryAfter: retryAfter,
		Limiter:    d.Limiter,
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit < 0 || d.Limiter == "" || d.Limiter == LimiterRegistration {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750 and RFC 9728.
// Quoted values are escaped to keep the header well-formed.
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`resource_metadata="%s"`, h.endpoint(ProtectedResourceMetadataPath)),
	}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// escapeQuoted escapes backslashes first, then quotes.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

var errNoBearer = errors.New("no bearer token")

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoBearer
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	metrics := h.server.Instrumentation().Metrics()
	duration := time.Since(startTime).Seconds() * 1000
	metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// recordRateLimitExceeded records rate limit audit events. The limiter
// records its own metric; the registration limiter does not.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, limiter, clientIP, userID string) {
	if limiter == LimiterRegistration {
		h.server.Instrumentation().Metrics().RecordRateLimitExceeded(ctx, limiter)
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, userID, limiter)
}
