package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/providers/oidc"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// ErrOrganizationRequired is returned when a user is not a member of any allowed organization.
var ErrOrganizationRequired = errors.New("user is not a member of any allowed organization")

// DefaultAPIURL is the GitHub REST API base URL.
const DefaultAPIURL = "https://api.github.com"

var githubHeaders = map[string]string{"Accept": "application/vnd.github+json"}

// Provider implements the providers.Provider interface for GitHub OAuth.
type Provider struct {
	config               *oauth2.Config
	name                 string
	apiURL               string
	httpClient           *http.Client
	timeout              time.Duration
	allowedOrganizations []string
	inst                 *instrumentation.Instrumentation
}

// Option customises the provider.
type Option func(*Provider)

// WithAllowedOrganizations restricts login to members of orgs. The read:org
// scope is requested automatically.
func WithAllowedOrganizations(orgs ...string) Option {
	return func(p *Provider) {
		p.allowedOrganizations = append(p.allowedOrganizations, orgs...)
	}
}

// NewProvider creates a new GitHub OAuth provider. cfg.UserInfoURL, when set,
// replaces the API base URL.
func NewProvider(cfg providers.Config, opts ...Option) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	endpoint := oauthgithub.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	apiURL := strings.TrimSuffix(cfg.UserInfoURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	p := &Provider{
		name:       cfg.ProviderName(),
		apiURL:     apiURL,
		httpClient: cfg.Client(),
		timeout:    cfg.Timeout(),
		inst:       cfg.Instrumentation,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, org := range p.allowedOrganizations {
		if org == "" || len(org) > 39 {
			return nil, fmt.Errorf("invalid organization name %q", org)
		}
	}

	scopes := append([]string(nil), cfg.Scopes...)
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	if len(p.allowedOrganizations) > 0 && !slices.Contains(scopes, "read:org") {
		scopes = append(scopes, "read:org")
	}
	if err := oidc.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	p.config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// AuthorizationURL generates the GitHub authorization URL with the server's PKCE challenge.
func (p *Provider) AuthorizationURL(state, verifier string) string {
	return providers.AuthCodeURL(p.config, state, verifier)
}

// ExchangeCode exchanges an authorization code for a token.
// GitHub OAuth Apps don't return refresh tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (_ *oauth2.Token, err error) {
	defer func(start time.Time) {
		providers.RecordCall(ctx, p.inst, p.name, "exchange", start, err)
	}(time.Now())

	ctx, cancel := providers.EnsureTimeout(ctx, p.timeout)
	defer cancel()
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, verifier)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// UserInfo reads the user profile and, when needed, the primary email and
// organization memberships.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (_ *providers.UserInfo, err error) {
	defer func(start time.Time) {
		providers.RecordCall(ctx, p.inst, p.name, "userinfo", start, err)
	}(time.Now())

	ctx, cancel := providers.EnsureTimeout(ctx, p.timeout)
	defer cancel()

	body, err := providers.FetchJSON(ctx, p.httpClient, p.apiURL+"/user", token.AccessToken, githubHeaders)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	var user githubUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("user info has no id")
	}

	info := &providers.UserInfo{
		Subject: strconv.FormatInt(user.ID, 10),
		Email:   user.Email,
		Name:    user.Name,
	}
	if info.Name == "" {
		info.Name = user.Login
	}

	// public profile emails are not verified; prefer the primary verified address
	if email, ok := p.primaryEmail(ctx, token.AccessToken); ok {
		info.Email = email
		info.EmailVerified = true
	}

	if len(p.allowedOrganizations) > 0 {
		member, err := p.isMember(ctx, token.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to validate organization membership: %w", err)
		}
		if !member {
			return nil, ErrOrganizationRequired
		}
	}

	return info, nil
}

func (p *Provider) primaryEmail(ctx context.Context, accessToken string) (string, bool) {
	body, err := providers.FetchJSON(ctx, p.httpClient, p.apiURL+"/user/emails", accessToken, githubHeaders)
	if err != nil {
		return "", false
	}
	var emails []githubEmail
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", false
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true
		}
	}
	return "", false
}

func (p *Provider) isMember(ctx context.Context, accessToken string) (bool, error) {
	body, err := providers.FetchJSON(ctx, p.httpClient, p.apiURL+"/user/orgs", accessToken, githubHeaders)
	if err != nil {
		return false, err
	}
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(body, &orgs); err != nil {
		return false, fmt.Errorf("failed to decode organizations: %w", err)
	}
	for _, org := range orgs {
		for _, allowed := range p.allowedOrganizations {
			if strings.EqualFold(org.Login, allowed) {
				return true, nil
			}
		}
	}
	return false, nil
}
