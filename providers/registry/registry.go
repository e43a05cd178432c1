// Package registry resolves provider declarations into providers once at
// startup and looks them up by name at request time.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/providers/custom"
	"github.com/giantswarm/mcp-authz/providers/github"
	"github.com/giantswarm/mcp-authz/providers/google"
	"github.com/giantswarm/mcp-authz/providers/oidc"
)

// Registry holds the resolved providers. It is read-only after construction
// and safe for concurrent use.
type Registry struct {
	providers    map[string]providers.Provider
	unconfigured map[string]struct{}
	defaultName  string
}

// New builds every declared provider. Declarations without credentials are
// remembered so that lookups report providers.ErrNotConfigured instead of an
// unknown provider. defaultName may be empty when exactly one provider is declared.
func New(ctx context.Context, cfgs []providers.Config, defaultName string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		providers:    make(map[string]providers.Provider),
		unconfigured: make(map[string]struct{}),
	}
	disco := oidc.NewDiscoveryClient(nil, 0, logger)

	for _, cfg := range cfgs {
		name := cfg.ProviderName()
		if name == "" {
			return nil, fmt.Errorf("provider declaration without kind or name")
		}
		if r.has(name) {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		if !cfg.Configured() {
			logger.Warn("Provider declared without credentials", "provider", name)
			r.unconfigured[name] = struct{}{}
			continue
		}

		p, err := Build(ctx, cfg, disco)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %q: %w", name, err)
		}
		r.providers[name] = p
		logger.Info("Registered upstream provider", "provider", name, "kind", cfg.Kind)
	}

	switch {
	case defaultName != "":
		if !r.has(defaultName) {
			return nil, fmt.Errorf("default provider %q is not declared", defaultName)
		}
		r.defaultName = defaultName
	case len(cfgs) == 1:
		r.defaultName = cfgs[0].ProviderName()
	}
	return r, nil
}

// Build constructs the provider for one declaration. The kind set is closed.
func Build(ctx context.Context, cfg providers.Config, disco *oidc.DiscoveryClient) (providers.Provider, error) {
	switch cfg.Kind {
	case providers.KindGoogle:
		return google.NewProvider(cfg)
	case providers.KindGitHub:
		return github.NewProvider(cfg, github.WithAllowedOrganizations(cfg.AllowedOrganizations...))
	case providers.KindCustom:
		return custom.NewProvider(ctx, cfg, disco)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}

// NewStatic wraps already constructed providers.
func NewStatic(defaultName string, ps ...providers.Provider) *Registry {
	r := &Registry{
		providers:    make(map[string]providers.Provider, len(ps)),
		unconfigured: make(map[string]struct{}),
		defaultName:  defaultName,
	}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	if r.defaultName == "" && len(ps) == 1 {
		r.defaultName = ps[0].Name()
	}
	return r
}

// MarkUnconfigured declares name without credentials.
func (r *Registry) MarkUnconfigured(name string) {
	r.unconfigured[name] = struct{}{}
}

// Get returns the named provider. An empty name selects the default.
func (r *Registry) Get(name string) (providers.Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if _, ok := r.unconfigured[name]; ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrNotConfigured, name)
	}
	return nil, fmt.Errorf("%w: %q", providers.ErrUnknownProvider, name)
}

// Default returns the default provider name, possibly empty.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names lists usable providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) has(name string) bool {
	_, ok := r.providers[name]
	_, missing := r.unconfigured[name]
	return ok || missing
}
