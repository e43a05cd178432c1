package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/scope"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

const (
	// GrantTypeAuthorizationCode is the only grant accepted at /token.
	GrantTypeAuthorizationCode = "authorization_code"

	// ResponseTypeCode is the only response type accepted at /authorize.
	ResponseTypeCode = "code"

	// TokenTypeBearer is returned in every token response.
	TokenTypeBearer = "Bearer"

	statePrefix    = "state:"
	consumedPrefix = "consumed:"
)

// AuthorizationRequest carries the /authorize parameters.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string

	// Provider selects the upstream provider. Empty selects the default.
	Provider string
}

// CallbackRequest carries the upstream provider's redirect back to us.
type CallbackRequest struct {
	Provider         string
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// TokenRequest carries the /token parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	Resource     string
}

// TokenResponse is the successful /token body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Resource     string `json:"resource,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// pendingAuthorization is persisted as an ephemeral item between /authorize
// and the provider callback, keyed by the server's own state value.
type pendingAuthorization struct {
	Provider            string    `json:"provider"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	ClientState         string    `json:"client_state"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scopes              []string  `json:"scopes"`
	Resource            string    `json:"resource"`
	Verifier            string    `json:"verifier"`
	CreatedAt           time.Time `json:"created_at"`
}

// StartAuthorization validates an authorization request, records it and
// returns the upstream provider URL to redirect the browser to. The upstream
// leg uses a fresh verifier of our own; the caller's challenge is only
// checked later at /token.
func (s *Server) StartAuthorization(ctx context.Context, req AuthorizationRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.StartAuthorization")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	authURL, err := s.startAuthorization(ctx, req)
	if err != nil {
		oerr := AsError(err)
		s.Auditor.LogAuthFailure("", req.ClientID, "", oerr.Code)
		instrumentation.RecordError(span, err)
		return "", oerr
	}
	instrumentation.SetSpanSuccess(span)
	return authURL, nil
}

func (s *Server) startAuthorization(ctx context.Context, req AuthorizationRequest) (string, error) {
	if req.ResponseType != "" && req.ResponseType != ResponseTypeCode {
		return "", ErrUnsupportedResponseType("only response_type=code is supported")
	}
	if req.ClientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}
	if req.State == "" {
		return "", ErrInvalidRequest("state parameter is required for CSRF protection")
	}

	resource, err := s.ValidateResource(req.Resource)
	if err != nil {
		return "", err
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidRequest("unknown client_id")
		}
		return "", ErrServerError("failed to load client").Wrap(err)
	}

	redirectURI, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return "", ErrInvalidRequest(err.Error())
	}

	if req.CodeChallenge == "" {
		if s.Config.RequirePKCE {
			return "", ErrInvalidRequest("PKCE is required: code_challenge and code_challenge_method are mandatory")
		}
	} else if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return "", ErrInvalidRequest(err.Error())
	}

	scopes := scope.Parse(req.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(s.Config.DefaultScopes)
	}
	if err := s.validateScopes(scopes); err != nil {
		return "", ErrInvalidScope(err.Error())
	}

	provider, err := s.providers.Get(req.Provider)
	switch {
	case errors.Is(err, providers.ErrNotConfigured):
		s.Logger.Error("Upstream provider has no credentials", "provider", req.Provider)
		return "", ErrProviderNotConfigured("the identity provider is not configured").Wrap(err)
	case err != nil:
		return "", ErrInvalidRequest("unknown provider").Wrap(err)
	}

	pending := pendingAuthorization{
		Provider:            provider.Name(),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              scopes,
		Resource:            resource,
		Verifier:            oauth2.GenerateVerifier(),
		CreatedAt:           s.now(),
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return "", ErrServerError("failed to encode authorization state").Wrap(err)
	}

	serverState := util.RandomToken()
	if err := s.store.SetItem(ctx, statePrefix+serverState, data, s.Config.StateTTL); err != nil {
		return "", ErrServerError("failed to save authorization state").Wrap(err)
	}

	s.metrics().RecordAuthorizationStarted(ctx, provider.Name())
	s.Auditor.LogEvent(security.Event{
		Type:     "authorization_flow_started",
		ClientID: client.ClientID,
		Details: map[string]any{
			"provider":              provider.Name(),
			"redirect_uri":          redirectURI,
			"scope":                 scope.Join(scopes),
			"code_challenge_method": req.CodeChallengeMethod,
		},
	})

	return provider.AuthorizationURL(serverState, pending.Verifier), nil
}

// HandleCallback completes the upstream leg and returns the URL that sends
// the browser back to the client with our own authorization code. An
// upstream denial also yields a redirect, carrying error=access_denied.
func (s *Server) HandleCallback(ctx context.Context, req CallbackRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.HandleCallback")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrProvider, req.Provider))

	redirect, err := s.handleCallback(ctx, req)
	s.metrics().RecordCallbackProcessed(ctx, req.Provider, err == nil)
	if err != nil {
		oerr := AsError(err)
		if oerr.Status >= 500 {
			s.Logger.Error("Provider callback failed", "provider", req.Provider, "code", oerr.Code, "error", err)
		} else {
			s.Logger.Warn("Provider callback rejected", "provider", req.Provider, "code", oerr.Code, "error", err)
		}
		instrumentation.RecordError(span, err)
		return "", oerr
	}
	instrumentation.SetSpanSuccess(span)
	return redirect, nil
}

func (s *Server) handleCallback(ctx context.Context, req CallbackRequest) (string, error) {
	if req.State == "" {
		return "", ErrInvalidState("missing state parameter")
	}

	pending, err := s.takePendingAuthorization(ctx, req.State)
	if err != nil {
		return "", err
	}

	if pending.Provider != req.Provider {
		s.Auditor.LogEvent(security.Event{
			Type:     "provider_state_mismatch",
			ClientID: pending.ClientID,
			Details:  map[string]any{"expected": pending.Provider, "got": req.Provider},
		})
		return "", ErrStateMismatch("state was issued for a different provider")
	}

	if req.Error != "" {
		s.Logger.Info("Upstream provider denied authorization",
			"provider", req.Provider,
			"upstream_error", req.Error,
			"client_id", pending.ClientID)
		s.Auditor.LogAuthFailure("", pending.ClientID, "", "upstream_"+req.Error)
		return redirectWithParams(pending.RedirectURI, url.Values{
			"error":             {ErrorCodeAccessDenied},
			"error_description": {"the identity provider denied the request"},
			"state":             {pending.ClientState},
		})
	}

	if req.Code == "" {
		return "", ErrInvalidRequest("missing authorization code")
	}

	provider, err := s.providers.Get(pending.Provider)
	if err != nil {
		return "", ErrProviderNotConfigured("the identity provider is not configured").Wrap(err)
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, s.Config.UpstreamTimeout)
	defer cancel()

	upstreamToken, err := provider.ExchangeCode(upstreamCtx, req.Code, pending.Verifier)
	if err != nil {
		return "", ErrCallbackError("failed to exchange code with the identity provider").Wrap(err)
	}
	info, err := provider.UserInfo(upstreamCtx, upstreamToken)
	if err != nil {
		return "", ErrCallbackError("failed to fetch user info from the identity provider").Wrap(err)
	}

	user, err := s.upsertUser(ctx, provider.Name(), info)
	if err != nil {
		return "", ErrServerError("failed to save user").Wrap(err)
	}

	now := s.now()
	code := &storage.AuthCode{
		Code:                util.RandomToken(),
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Scopes:              pending.Scopes,
		Resource:            pending.Resource,
		UserID:              user.ID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	// unverified addresses are never propagated into tokens
	if info.EmailVerified {
		code.Email = info.Email
	}
	if err := s.store.SetAuthCode(ctx, code); err != nil {
		return "", ErrServerError("failed to save authorization code").Wrap(err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventUserLogin,
		UserID:   user.ID,
		ClientID: pending.ClientID,
		Details:  map[string]any{"provider": provider.Name(), "scope": scope.Join(pending.Scopes)},
	})

	return redirectWithParams(pending.RedirectURI, url.Values{
		"code":  {code.Code},
		"state": {pending.ClientState},
	})
}

// takePendingAuthorization consumes the state item so that a callback can be
// processed once, even when the same state arrives concurrently.
func (s *Server) takePendingAuthorization(ctx context.Context, state string) (*pendingAuthorization, error) {
	data, err := s.store.ConsumeItem(ctx, statePrefix+state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidState("unknown or expired state")
		}
		return nil, ErrServerError("failed to load authorization state").Wrap(err)
	}

	var pending pendingAuthorization
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, ErrInvalidState("unreadable state").Wrap(err)
	}
	return &pending, nil
}

func (s *Server) upsertUser(ctx context.Context, provider string, info *providers.UserInfo) (*storage.User, error) {
	now := s.now()
	id := storage.UserID(provider, info.Subject)

	user, err := s.store.GetUser(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user = &storage.User{ID: id, Provider: provider, Subject: info.Subject, CreatedAt: now}
	case err != nil:
		return nil, err
	}
	user.Email = info.Email
	user.Name = info.Name
	user.UpdatedAt = now

	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ExchangeAuthorizationCode redeems one of our authorization codes for a
// bearer token. The code is consumed before any other check so that a
// failed attempt still burns it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest, clientIP string) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, req.GrantType))

	resp, err := s.exchangeAuthorizationCode(ctx, req, clientIP)
	if err != nil {
		oerr := AsError(err)
		s.Logger.Debug("Token request rejected",
			"code", oerr.Code,
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, 8),
			"error", err)
		s.Auditor.LogAuthFailure("", req.ClientID, clientIP, oerr.Code)
		instrumentation.RecordError(span, err)
		return nil, oerr
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, req TokenRequest, clientIP string) (*TokenResponse, error) {
	if req.GrantType != GrantTypeAuthorizationCode {
		return nil, ErrUnsupportedGrantType("only authorization_code is supported")
	}
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := s.store.ConsumeAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.detectCodeReuse(ctx, req.Code, clientIP)
			return nil, ErrInvalidGrant("invalid authorization code")
		}
		return nil, ErrServerError("failed to load authorization code").Wrap(err)
	}

	now := s.now()
	if code.Expired(now) {
		return nil, ErrInvalidGrant("authorization code expired")
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = code.ClientID
	}
	if clientID != code.ClientID {
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if err := s.authenticateClient(ctx, clientID, req.ClientSecret); err != nil {
		return nil, err
	}

	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	pkce := code.CodeChallenge != ""
	if pkce {
		if err := VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			s.metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEFailure,
				UserID:    code.UserID,
				ClientID:  clientID,
				IPAddress: clientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
			return nil, ErrInvalidGrant("PKCE verification failed").Wrap(err)
		}
	}

	if req.Resource != "" {
		resource, err := s.ValidateResource(req.Resource)
		if err != nil {
			return nil, err
		}
		if code.Resource != "" && resource != code.Resource {
			return nil, ErrInvalidResource("resource does not match the authorization request")
		}
	}

	resource := code.Resource
	if resource == "" {
		resource = s.Config.Resource()
	}

	token := &storage.Token{
		AccessToken: util.RandomToken(),
		UserID:      code.UserID,
		Email:       code.Email,
		ClientID:    clientID,
		Scopes:      s.grantScopes(code),
		Resource:    resource,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.AccessTokenTTL),
	}
	if err := s.store.SetToken(ctx, token); err != nil {
		return nil, ErrServerError("failed to save token").Wrap(err)
	}
	s.rememberConsumedCode(ctx, req.Code, token.AccessToken)

	s.metrics().RecordCodeExchange(ctx, pkce)
	s.Auditor.LogTokenIssued(token.UserID, clientID, clientIP, scope.Join(token.Scopes))
	s.Logger.Info("Issued access token",
		"client_id", clientID,
		"scope", scope.Join(token.Scopes),
		"expires_at", token.ExpiresAt)

	return &TokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.Config.AccessTokenTTL / time.Second),
		Scope:       scope.Join(token.Scopes),
		Resource:    token.Resource,
	}, nil
}

// grantScopes drops the privileged scope unless the code belongs to a
// verified admin address.
func (s *Server) grantScopes(code *storage.AuthCode) []string {
	privileged := s.scopes.PrivilegedScope()
	isAdmin := code.Email != "" && slices.ContainsFunc(s.Config.AdminEmails, func(e string) bool {
		return strings.EqualFold(e, code.Email)
	})

	granted := make([]string, 0, len(code.Scopes))
	for _, sc := range code.Scopes {
		if !isAdmin && scope.Match(sc, privileged) {
			s.Logger.Info("Privileged scope withheld", "user_id_prefix", util.SafeTruncate(code.UserID, 8))
			continue
		}
		granted = append(granted, sc)
	}
	return granted
}

// authenticateClient verifies the client exists and, for confidential
// clients, that the presented secret matches.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret string) error {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidClient("client authentication failed")
		}
		return ErrServerError("failed to load client").Wrap(err)
	}
	if client.IsPublic() {
		return nil
	}
	if secret == "" {
		return ErrInvalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// rememberConsumedCode keeps a tombstone for a redeemed code until it would
// have expired, so that a replay can revoke the token it produced.
func (s *Server) rememberConsumedCode(ctx context.Context, code, accessToken string) {
	if err := s.store.SetItem(ctx, consumedKey(code), []byte(accessToken), s.Config.AuthorizationCodeTTL); err != nil {
		s.Logger.Warn("Failed to record consumed authorization code", "error", err)
	}
}

// detectCodeReuse revokes the token issued for a code that is presented again.
func (s *Server) detectCodeReuse(ctx context.Context, code, clientIP string) {
	accessToken, err := s.store.ConsumeItem(ctx, consumedKey(code))
	if err != nil {
		return
	}

	s.metrics().RecordCodeReuseDetected(ctx)
	s.Logger.Error("Authorization code reuse detected, revoking issued token",
		"code_prefix", util.SafeTruncate(code, 8),
		"client_ip", clientIP)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventCodeReuse,
		IPAddress: clientIP,
		Details:   map[string]any{"severity": "critical", "action": "token_revoked"},
	})

	if err := s.store.DeleteToken(ctx, string(accessToken)); err != nil {
		s.Logger.Error("Failed to revoke token after code reuse", "error", err)
	}
}

func consumedKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return consumedPrefix + hex.EncodeToString(sum[:])
}

// redirectWithParams appends params to a registered redirect URI, keeping
// any query it already has.
func redirectWithParams(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrServerError("invalid stored redirect URI").Wrap(err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
