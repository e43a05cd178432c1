// Package custom implements a provider for any OAuth2 server, configured with
// explicit endpoints or discovered from an OpenID Connect issuer.
//
// The userinfo response is mapped with gjson paths, so nested or
// non-standard claim layouts need no code.
package custom

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/providers/oidc"
)

var _ providers.Provider = (*Provider)(nil)

// Provider is a configurable OAuth2 provider.
type Provider struct {
	config      *oauth2.Config
	name        string
	userInfoURL string
	fields      providers.Fields
	httpClient  *http.Client
	timeout     time.Duration
	inst        *instrumentation.Instrumentation
}

// NewProvider creates a custom provider. When cfg.Issuer is set, endpoints not
// given explicitly are discovered through disco, which may be nil.
func NewProvider(ctx context.Context, cfg providers.Config, disco *oidc.DiscoveryClient) (*Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("custom provider name is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client ID and secret are required")
	}

	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	userInfoURL := cfg.UserInfoURL

	if cfg.Issuer != "" && (endpoint.AuthURL == "" || endpoint.TokenURL == "" || userInfoURL == "") {
		if disco == nil {
			disco = oidc.NewDiscoveryClient(cfg.Client(), 0, cfg.LoggerOrDefault())
		}
		ctx, cancel := providers.EnsureTimeout(ctx, cfg.Timeout())
		defer cancel()

		doc, err := disco.Discover(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = doc.AuthorizationEndpoint
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = doc.TokenEndpoint
		}
		if userInfoURL == "" {
			userInfoURL = doc.UserInfoEndpoint
		}
	}

	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || userInfoURL == "" {
		return nil, fmt.Errorf("provider %s: auth, token and userinfo URLs are required", cfg.Name)
	}

	scopes := append([]string(nil), cfg.Scopes...)
	if err := oidc.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	fields := cfg.Fields
	if fields.Subject == "" {
		fields.Subject = "sub"
	}
	if fields.Email == "" {
		fields.Email = "email"
	}
	if fields.EmailVerified == "" {
		fields.EmailVerified = "email_verified"
	}
	if fields.Name == "" {
		fields.Name = "name"
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		name:        cfg.Name,
		userInfoURL: userInfoURL,
		fields:      fields,
		httpClient:  cfg.Client(),
		timeout:     cfg.Timeout(),
		inst:        cfg.Instrumentation,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) AuthorizationURL(state, verifier string) string {
	return providers.AuthCodeURL(p.config, state, verifier)
}

func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (_ *oauth2.Token, err error) {
	defer func(start time.Time) {
		providers.RecordCall(ctx, p.inst, p.name, "exchange", start, err)
	}(time.Now())

	ctx, cancel := providers.EnsureTimeout(ctx, p.timeout)
	defer cancel()
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, verifier)
}

// UserInfo fetches the userinfo document and maps it through the configured paths.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (_ *providers.UserInfo, err error) {
	defer func(start time.Time) {
		providers.RecordCall(ctx, p.inst, p.name, "userinfo", start, err)
	}(time.Now())

	ctx, cancel := providers.EnsureTimeout(ctx, p.timeout)
	defer cancel()

	body, err := providers.FetchJSON(ctx, p.httpClient, p.userInfoURL, token.AccessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("user info is not valid JSON")
	}

	// numeric ids are common; gjson renders them as their raw text
	subject := gjson.GetBytes(body, p.fields.Subject).String()
	if subject == "" {
		return nil, fmt.Errorf("user info has no value at %q", p.fields.Subject)
	}

	return &providers.UserInfo{
		Subject:       subject,
		Email:         gjson.GetBytes(body, p.fields.Email).String(),
		EmailVerified: gjson.GetBytes(body, p.fields.EmailVerified).Bool(),
		Name:          gjson.GetBytes(body, p.fields.Name).String(),
	}, nil
}
