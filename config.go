package authz

import (
	"log/slog"
	"net/http"

	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/scope"
)

const (
	// DefaultRegistrationRatePerMinute is the sustained /register rate per IP.
	DefaultRegistrationRatePerMinute = 10

	// DefaultRegistrationBurst is the /register burst per IP.
	DefaultRegistrationBurst = 5

	// DefaultMaxRequestBodySize bounds form and JSON bodies at /token and /register.
	DefaultMaxRequestBodySize = 64 << 10
)

// Config holds the HTTP handler configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Policy maps operations to scope requirements and lists public
	// operations. When nil every protected request needs a valid token only.
	Policy *scope.Policy

	// OperationFunc names the operation a request performs, which is then
	// looked up in Policy. Defaults to the URL path.
	OperationFunc func(r *http.Request) string

	// RateLimit holds request limiting configuration
	RateLimit RateLimitConfig

	// TrustedProxies is the number of reverse proxies whose
	// X-Forwarded-For entries are trusted. Zero uses the peer address.
	TrustedProxies int

	// MaxRequestBodySize bounds request bodies at /token and /register.
	MaxRequestBodySize int64

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Limiter applies burst, tier and tool windows to protected requests.
	// Nil disables request limiting.
	Limiter *ratelimit.Limiter

	// RegistrationPerMinute is the sustained /register rate per IP.
	RegistrationPerMinute float64

	// RegistrationBurst is the /register burst size per IP.
	RegistrationBurst int
}

func (c *Config) applyDefaults() {
	if c.OperationFunc == nil {
		c.OperationFunc = PathOperation
	}
	if c.RateLimit.RegistrationPerMinute <= 0 {
		c.RateLimit.RegistrationPerMinute = DefaultRegistrationRatePerMinute
	}
	if c.RateLimit.RegistrationBurst <= 0 {
		c.RateLimit.RegistrationBurst = DefaultRegistrationBurst
	}
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = DefaultMaxRequestBodySize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PathOperation names the operation by its URL path.
func PathOperation(r *http.Request) string {
	return r.URL.Path
}
