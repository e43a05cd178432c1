// Package mock provides a configurable providers.Provider for tests.
package mock

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/providers"
)

var _ providers.Provider = (*Provider)(nil)

// Provider is a test double. Unset function fields fall back to defaults that
// succeed for the user "mock-user".
type Provider struct {
	NameValue string

	AuthorizationURLFunc func(state, verifier string) string
	ExchangeCodeFunc     func(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	UserInfoFunc         func(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error)

	mu        sync.Mutex
	verifiers []string
}

// NewProvider returns a mock named name.
func NewProvider(name string) *Provider {
	return &Provider{NameValue: name}
}

func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// AuthorizationURL records verifier and returns a URL on mock.example.com.
func (p *Provider) AuthorizationURL(state, verifier string) string {
	p.mu.Lock()
	p.verifiers = append(p.verifiers, verifier)
	p.mu.Unlock()

	if p.AuthorizationURLFunc != nil {
		return p.AuthorizationURLFunc(state, verifier)
	}
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	q.Set("code_challenge_method", "S256")
	return "https://mock.example.com/authorize?" + q.Encode()
}

func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if p.ExchangeCodeFunc != nil {
		return p.ExchangeCodeFunc(ctx, code, verifier)
	}
	return &oauth2.Token{AccessToken: "upstream-" + code, TokenType: "Bearer"}, nil
}

func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	if p.UserInfoFunc != nil {
		return p.UserInfoFunc(ctx, token)
	}
	return &providers.UserInfo{
		Subject:       "mock-user",
		Email:         "mock@example.com",
		EmailVerified: true,
		Name:          "Mock User",
	}, nil
}

// Verifiers returns the verifiers seen by AuthorizationURL, oldest first.
func (p *Provider) Verifiers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.verifiers...)
}
