package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/providers/oidc"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const userInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"

// Provider implements the providers.Provider interface for Google OAuth.
type Provider struct {
	config      *oauth2.Config
	name        string
	userInfoURL string
	httpClient  *http.Client
	timeout     time.Duration
	inst        *instrumentation.Instrumentation
}

// NewProvider creates a new Google OAuth provider
func NewProvider(cfg providers.Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := append([]string(nil), cfg.Scopes...)
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	if err := oidc.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	endpoint := oauthgoogle.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = userInfoEndpoint
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		name:        cfg.ProviderName(),
		userInfoURL: userInfoURL,
		httpClient:  cfg.Client(),
		timeout:     cfg.Timeout(),
		inst:        cfg.Instrumentation,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return p.name
}

// AuthorizationURL generates the Google consent URL with the server's PKCE challenge.
func (p *Provider) AuthorizationURL(state, verifier string) string {
	return providers.AuthCodeURL(p.config, state, verifier, oauth2.AccessTypeOnline)
}

// ExchangeCode exchanges an authorization code for tokens
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (tok *oauth2.Token, err error) {
	defer func(start time.Time) {
		providers.RecordCall(ctx, p.inst, p.name, "exchange", start, err)
	}(time.Now())

	ctx, cancel := providers.EnsureTimeout(ctx, p.timeout)
	defer cancel()
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, verifier)
}

// UserInfo calls Google's OpenID Connect userinfo endpoint.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (_ *providers.UserInfo, err error) {
	defer func(start time.Time) {
		providers.RecordCall(ctx, p.inst, p.name, "userinfo", start, err)
	}(time.Now())

	ctx, cancel := providers.EnsureTimeout(ctx, p.timeout)
	defer cancel()

	body, err := providers.FetchJSON(ctx, p.httpClient, p.userInfoURL, token.AccessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("user info has no subject")
	}

	return &providers.UserInfo{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}
