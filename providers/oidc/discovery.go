package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DiscoveryDocument holds the provider metadata this module uses.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSUri               string `json:"jwks_uri"`

	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Endpoint returns the OAuth2 endpoint described by the document.
func (d *DiscoveryDocument) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  d.AuthorizationEndpoint,
		TokenURL: d.TokenEndpoint,
	}
}

// cachedDocument holds a discovery document with its fetch timestamp.
type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches OIDC discovery documents.
// It is safe for concurrent use.
type DiscoveryClient struct {
	httpClient *http.Client
	cache      sync.Map // issuerURL -> *cachedDocument
	cacheTTL   time.Duration
	logger     *slog.Logger

	// skipValidation disables issuer URL checks; tests only.
	skipValidation bool
}

// NewDiscoveryClient creates a discovery client. A nil httpClient uses a 10s
// timeout; a zero cacheTTL caches for one hour.
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// Discover fetches the discovery document for an issuer.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if !c.skipValidation {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	if cached, ok := c.cache.Load(issuerURL); ok {
		doc := cached.(*cachedDocument)
		if time.Since(doc.fetchedAt) < c.cacheTTL {
			c.logger.Debug("OIDC discovery cache hit", "issuer", issuerURL)
			return doc.document, nil
		}
	}

	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, c.httpClient), issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}

	var doc DiscoveryDocument
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if !c.skipValidation {
		if err := validateDocument(&doc); err != nil {
			return nil, fmt.Errorf("invalid discovery document: %w", err)
		}
	}

	c.cache.Store(issuerURL, &cachedDocument{
		document:  &doc,
		fetchedAt: time.Now(),
	})

	c.logger.Info("OIDC discovery successful",
		"issuer", issuerURL,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)

	return &doc, nil
}

// validateDocument requires HTTPS on every endpoint used for credentials.
func validateDocument(doc *DiscoveryDocument) error {
	endpoints := []struct {
		name     string
		url      string
		required bool
	}{
		{"authorization_endpoint", doc.AuthorizationEndpoint, true},
		{"token_endpoint", doc.TokenEndpoint, true},
		{"userinfo_endpoint", doc.UserInfoEndpoint, false},
	}

	for _, e := range endpoints {
		if e.url == "" {
			if e.required {
				return fmt.Errorf("%s is required but missing", e.name)
			}
			continue
		}
		if !strings.HasPrefix(e.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", e.name, e.url)
		}
	}
	return nil
}
