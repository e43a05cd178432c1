package app

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/ratelimit"
)

const (
	backendMemory = "memory"
	backendFile   = "file"
	backendValkey = "valkey"
)

// serveConfig is the resolved configuration of the serve command.
type serveConfig struct {
	BaseURL       string
	Listen        string
	MetricsListen string

	Production     bool
	TrustedProxies int
	LogClientIPs   bool

	PolicyPath string
	Storage    storageConfig

	RateLimit        ratelimit.Config
	RateLimitCounter string

	Providers       []providers.Config
	DefaultProvider string

	AdminEmails             []string
	RequirePKCE             bool
	AllowInsecureHTTP       bool
	AllowPublicRegistration bool
	RegistrationToken       string
}

type storageConfig struct {
	Backend string

	FilePath string

	// Password and Salt derive the encryption key for the file and valkey backends.
	Password                   string
	Salt                       string
	DisableEncryption          bool
	Production                 bool
	AllowPlaintextInProduction bool

	ValkeyAddress  string
	ValkeyPassword string
	ValkeyPrefix   string
}

// fileConfig is the YAML document passed with --config. Values of the form
// ${VAR} are expanded from the environment before decoding.
type fileConfig struct {
	Providers []providers.Config `yaml:"providers"`
	RateLimit *ratelimit.Config  `yaml:"rateLimit"`
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("base-url", "", "External URL of the server, used as issuer and resource identifier")
	flags.String("listen", ":8080", "Address of the OAuth and MCP listener")
	flags.String("metrics-listen", "", "Address of the Prometheus metrics listener (disabled when empty)")
	flags.Bool("production", false, "Enable production safeguards")
	flags.Int("trusted-proxies", 0, "Number of reverse proxies whose X-Forwarded-For entries are trusted")
	flags.Bool("log-client-ips", false, "Attach client IP addresses to metrics and traces")
	flags.String("policy", "", "Path to the YAML scope policy")

	flags.String("storage", backendMemory, "Storage backend: memory, file or valkey")
	flags.String("storage-file", "mcp-authz.db", "Data file of the file backend")
	flags.String("encryption-password", "", "Password the storage encryption key is derived from")
	flags.String("encryption-salt", "", "Salt for the storage key derivation")
	flags.Bool("disable-encryption", false, "Store data unencrypted")
	flags.Bool("allow-plaintext-in-production", false, "Allow --disable-encryption together with --production")
	flags.String("valkey-address", "", "Valkey server address, e.g. localhost:6379")
	flags.String("valkey-password", "", "Valkey password")
	flags.String("valkey-prefix", "", "Prefix for every Valkey key")

	flags.String("ratelimit-counter", backendMemory, "Rate limit counter backend: memory or valkey")
	flags.Bool("adaptive-throttling", false, "Reduce tool limits while host load is high")

	flags.String("google-client-id", "", "Google OAuth client ID")
	flags.String("google-client-secret", "", "Google OAuth client secret")
	flags.String("github-client-id", "", "GitHub OAuth client ID")
	flags.String("github-client-secret", "", "GitHub OAuth client secret")
	flags.StringSlice("github-allowed-orgs", nil, "Restrict GitHub logins to members of these organizations")
	flags.String("default-provider", "", "Provider used when /authorize names none")

	flags.StringSlice("admin-emails", nil, "Verified email addresses that may receive the admin scope")
	flags.Bool("require-pkce", true, "Require PKCE at /authorize")
	flags.Bool("allow-insecure-http", false, "Allow an http base URL on a non-loopback host")
	flags.Bool("allow-public-registration", false, "Allow unauthenticated dynamic client registration")
	flags.String("registration-token", "", "Bearer token required at /register")
}

// loadConfig resolves flags, environment and the optional YAML file.
func loadConfig(v *viper.Viper) (*serveConfig, error) {
	cfg := &serveConfig{
		BaseURL:        v.GetString("base-url"),
		Listen:         v.GetString("listen"),
		MetricsListen:  v.GetString("metrics-listen"),
		Production:     v.GetBool("production"),
		TrustedProxies: v.GetInt("trusted-proxies"),
		LogClientIPs:   v.GetBool("log-client-ips"),
		PolicyPath:     v.GetString("policy"),
		Storage: storageConfig{
			Backend:                    v.GetString("storage"),
			FilePath:                   v.GetString("storage-file"),
			Password:                   v.GetString("encryption-password"),
			Salt:                       v.GetString("encryption-salt"),
			DisableEncryption:          v.GetBool("disable-encryption"),
			Production:                 v.GetBool("production"),
			AllowPlaintextInProduction: v.GetBool("allow-plaintext-in-production"),
			ValkeyAddress:              v.GetString("valkey-address"),
			ValkeyPassword:             v.GetString("valkey-password"),
			ValkeyPrefix:               v.GetString("valkey-prefix"),
		},
		RateLimit:               ratelimit.DefaultConfig(),
		RateLimitCounter:        v.GetString("ratelimit-counter"),
		DefaultProvider:         v.GetString("default-provider"),
		AdminEmails:             v.GetStringSlice("admin-emails"),
		RequirePKCE:             v.GetBool("require-pkce"),
		AllowInsecureHTTP:       v.GetBool("allow-insecure-http"),
		AllowPublicRegistration: v.GetBool("allow-public-registration"),
		RegistrationToken:       v.GetString("registration-token"),
	}

	if path := v.GetString("config"); path != "" {
		fc, err := readFileConfig(path)
		if err != nil {
			return nil, err
		}
		cfg.Providers = fc.Providers
		if fc.RateLimit != nil {
			cfg.RateLimit = *fc.RateLimit
		}
	}
	cfg.RateLimit.Adaptive.Enabled = cfg.RateLimit.Adaptive.Enabled || v.GetBool("adaptive-throttling")

	for _, p := range []providers.Config{
		{Kind: providers.KindGoogle, ClientID: v.GetString("google-client-id"), ClientSecret: v.GetString("google-client-secret")},
		{
			Kind:                 providers.KindGitHub,
			ClientID:             v.GetString("github-client-id"),
			ClientSecret:         v.GetString("github-client-secret"),
			AllowedOrganizations: v.GetStringSlice("github-allowed-orgs"),
		},
	} {
		if p.ClientID == "" {
			continue
		}
		if cfg.declares(p.ProviderName()) {
			return nil, fmt.Errorf("provider %q is declared both by flags and in the config file", p.ProviderName())
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &fc, nil
}

func (c *serveConfig) declares(name string) bool {
	return slices.ContainsFunc(c.Providers, func(p providers.Config) bool {
		return p.ProviderName() == name
	})
}

func (c *serveConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("--base-url is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("no upstream provider configured")
	}
	if !slices.Contains([]string{backendMemory, backendFile, backendValkey}, c.Storage.Backend) {
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if !slices.Contains([]string{backendMemory, backendValkey}, c.RateLimitCounter) {
		return fmt.Errorf("unsupported rate limit counter %q", c.RateLimitCounter)
	}
	if (c.Storage.Backend == backendValkey || c.RateLimitCounter == backendValkey) && c.Storage.ValkeyAddress == "" {
		return fmt.Errorf("--valkey-address is required for the valkey backend")
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}
	return nil
}
