package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/instrumentation"
)

// Kind selects the provider implementation.
type Kind string

const (
	KindGoogle Kind = "google"
	KindGitHub Kind = "github"
	KindCustom Kind = "custom"
)

// DefaultRequestTimeout bounds every upstream call that has no deadline.
const DefaultRequestTimeout = 15 * time.Second

var (
	// ErrNotConfigured is returned for a known provider whose credentials are missing.
	ErrNotConfigured = errors.New("provider is not configured")

	// ErrUnknownProvider is returned for a provider name that was never declared.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Provider is an upstream OAuth identity provider.
type Provider interface {
	// Name returns the provider name used in callback paths and user ids.
	Name() string

	// AuthorizationURL returns the upstream consent URL carrying state and the
	// S256 challenge derived from verifier.
	AuthorizationURL(state, verifier string) string

	// ExchangeCode redeems an upstream authorization code with the matching verifier.
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// UserInfo fetches the identity behind an upstream token.
	UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// Subject is the provider's stable user identifier.
	Subject string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's display name
	Name string
}

// Fields maps user info attributes to gjson paths in a provider's userinfo
// response. Empty paths use the OIDC claim names.
type Fields struct {
	Subject       string `yaml:"subject" json:"subject"`
	Email         string `yaml:"email" json:"email"`
	EmailVerified string `yaml:"emailVerified" json:"emailVerified"`
	Name          string `yaml:"name" json:"name"`
}

// Config declares one provider.
type Config struct {
	Kind Kind   `yaml:"kind" json:"kind"`
	Name string `yaml:"name" json:"name"`

	ClientID     string `yaml:"clientID" json:"clientID"`
	ClientSecret string `yaml:"clientSecret" json:"-"`

	// RedirectURL is the server's callback for this provider. See
	// WithDefaultRedirect.
	RedirectURL string `yaml:"redirectURL" json:"redirectURL"`

	Scopes []string `yaml:"scopes" json:"scopes"`

	// Endpoint overrides. Required for Custom unless Issuer is set.
	AuthURL     string `yaml:"authURL" json:"authURL"`
	TokenURL    string `yaml:"tokenURL" json:"tokenURL"`
	UserInfoURL string `yaml:"userInfoURL" json:"userInfoURL"`

	// Issuer enables OIDC discovery of the endpoints (Custom only).
	Issuer string `yaml:"issuer" json:"issuer"`

	// Fields maps the userinfo response (Custom only).
	Fields Fields `yaml:"fields" json:"fields"`

	// AllowedOrganizations restricts login to members of these organizations (GitHub only).
	AllowedOrganizations []string `yaml:"allowedOrganizations" json:"allowedOrganizations"`

	HTTPClient      *http.Client                     `yaml:"-" json:"-"`
	RequestTimeout  time.Duration                    `yaml:"requestTimeout" json:"requestTimeout"`
	Logger          *slog.Logger                     `yaml:"-" json:"-"`
	Instrumentation *instrumentation.Instrumentation `yaml:"-" json:"-"`
}

// ProviderName returns Name, defaulting to the kind.
func (c Config) ProviderName() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// WithDefaultRedirect returns c with RedirectURL set to the callback path
// under baseURL when it is empty.
func (c Config) WithDefaultRedirect(baseURL string) Config {
	if c.RedirectURL == "" {
		c.RedirectURL = strings.TrimSuffix(baseURL, "/") + "/callback/" + c.ProviderName()
	}
	return c
}

// Configured reports whether the credentials needed to talk to the provider are present.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Client returns the HTTP client for upstream calls.
func (c Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout()}
}

// Timeout returns RequestTimeout or the default.
func (c Config) Timeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}

// LoggerOrDefault returns Logger or slog.Default().
func (c Config) LoggerOrDefault() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
