package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-authz/internal/util"
)

// Default lifetimes.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultStateTTL             = 10 * time.Minute
	DefaultUpstreamTimeout      = 15 * time.Second
)

// DefaultScopes are granted when a client requests none.
var DefaultScopes = []string{"mcp"}

// Config holds OAuth server configuration
type Config struct {
	// BaseURL is the server's canonical external URL and issuer identifier.
	BaseURL string

	// ResourceURL identifies the protected resource for RFC 8707 resource
	// indicators. Defaults to BaseURL.
	ResourceURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10m

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1h

	// StateTTL bounds the time between /authorize and the provider callback.
	StateTTL time.Duration // default: 10m

	// UpstreamTimeout bounds every call to an upstream provider during the callback.
	UpstreamTimeout time.Duration // default: 15s

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed
	SupportedScopes []string

	// DefaultScopes are granted when the authorization request names none.
	DefaultScopes []string

	// AdminEmails lists verified email addresses that may receive the
	// privileged scope.
	AdminEmails []string

	// RequirePKCE makes code_challenge mandatory at /authorize. When false a
	// challenge is still verified whenever one was recorded.
	RequirePKCE bool

	// DisableLocalhostResourceEquivalence turns off the development relaxation
	// that treats http://localhost:N and https://localhost:N as the same resource.
	DisableLocalhostResourceEquivalence bool

	// AllowInsecureHTTP permits an http BaseURL on a non-loopback host.
	// WARNING: tokens and codes travel in clear text.
	AllowInsecureHTTP bool

	// AllowPublicClientRegistration allows unauthenticated dynamic client registration
	// When false, client registration requires RegistrationAccessToken
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is the bearer token required at /register
	// when AllowPublicClientRegistration is false.
	RegistrationAccessToken string
}

// Resource returns the canonical resource identifier.
func (c *Config) Resource() string {
	if c.ResourceURL != "" {
		return util.NormalizeURL(c.ResourceURL)
	}
	return util.NormalizeURL(c.BaseURL)
}

// Issuer returns the normalized base URL.
func (c *Config) Issuer() string {
	return util.NormalizeURL(c.BaseURL)
}

// applySecureDefaults fills in lifetimes and logs warnings for relaxed settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.StateTTL <= 0 {
		config.StateTTL = DefaultStateTTL
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if len(config.DefaultScopes) == 0 {
		config.DefaultScopes = append([]string(nil), DefaultScopes...)
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is optional",
			"risk", "Authorization code interception for clients that omit code_challenge",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance")
	}
	if !config.DisableLocalhostResourceEquivalence {
		logger.Debug("Localhost http/https resource equivalence is enabled",
			"note", "development relaxation, exact match applies to every other host")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("⚠️  SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
	if !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Client registration will fail",
			"recommendation", "Set RegistrationAccessToken or enable AllowPublicClientRegistration")
	}
}

// validate checks the base URL and enforces HTTPS outside loopback hosts.
func (c *Config) validate(logger *slog.Logger) error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}
	if c.ResourceURL != "" {
		if u, err := url.Parse(c.ResourceURL); err != nil || u.Host == "" {
			return fmt.Errorf("invalid resource URL %q", c.ResourceURL)
		}
	}

	switch base.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if isLocalhostHostname(base.Hostname()) {
			logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"base_url", c.BaseURL,
				"risk", "Credentials exposed on local network")
			return nil
		}
		if !c.AllowInsecureHTTP {
			return fmt.Errorf("base URL must use HTTPS (got http://%s), set AllowInsecureHTTP to override", base.Hostname())
		}
		logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"base_url", c.BaseURL,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks")
		return nil
	default:
		return fmt.Errorf("invalid base URL scheme: %s (must be http or https)", base.Scheme)
	}
}
