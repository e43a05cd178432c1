package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	authz "github.com/giantswarm/mcp-authz"
	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/providers/registry"
	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/scope"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server and the protected MCP endpoint",
		Long: `Start the OAuth endpoints (/authorize, /callback/{provider}, /token,
/register and the discovery documents) together with an MCP endpoint at /mcp
that requires a bearer token issued by this server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, slog.Default())
		},
	}
	addServeFlags(cmd.Flags())
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		slog.Error("Error binding serve flags", "error", err)
	}
	return cmd
}

func runServe(ctx context.Context, cfg *serveConfig, logger *slog.Logger) error {
	promRegistry := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:              true,
		ServiceName:          "mcp-authz",
		ServiceVersion:       version,
		MetricsExporter:      "prometheus",
		PrometheusRegisterer: promRegistry,
		LogClientIPs:         cfg.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	h, cleanup, err := newHandler(ctx, cfg, inst, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	servers := []*http.Server{srv}
	if cfg.MetricsListen != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	logger.Info("Starting mcp-authz",
		"addr", cfg.Listen,
		"metrics_addr", cfg.MetricsListen,
		"base_url", cfg.BaseURL,
		"storage", cfg.Storage.Backend,
		"ratelimit_counter", cfg.RateLimitCounter,
		"providers", h.Server().Providers().Names())

	return serveAll(ctx, servers, logger)
}

// newHandler wires storage, providers, the OAuth server and the rate limiter.
// cleanup releases them in reverse order.
func newHandler(ctx context.Context, cfg *serveConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (*authz.Handler, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*authz.Handler, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var policy *scope.Policy
	if cfg.PolicyPath != "" {
		p, err := scope.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, nil, err
		}
		policy = p
	}

	store, client, err := openStore(ctx, cfg.Storage, inst, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	})

	provCfgs := make([]providers.Config, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p = p.WithDefaultRedirect(cfg.BaseURL)
		p.Logger = logger
		p.Instrumentation = inst
		provCfgs = append(provCfgs, p)
	}
	reg, err := registry.New(ctx, provCfgs, cfg.DefaultProvider, logger)
	if err != nil {
		return fail(err)
	}

	srv, err := server.New(store, reg, policy.Engine(), &server.Config{
		BaseURL:                       cfg.BaseURL,
		AdminEmails:                   cfg.AdminEmails,
		RequirePKCE:                   cfg.RequirePKCE,
		AllowInsecureHTTP:             cfg.AllowInsecureHTTP,
		AllowPublicClientRegistration: cfg.AllowPublicRegistration,
		RegistrationAccessToken:       cfg.RegistrationToken,
	}, logger)
	if err != nil {
		return fail(err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))
	srv.SetInstrumentation(inst)

	counter, stopCounter, err := newCounter(cfg, client)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, stopCounter)

	opts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithInstrumentation(inst),
	}
	if cfg.RateLimit.Adaptive.Enabled {
		monitor := ratelimit.NewLoadMonitor(cfg.RateLimit.Adaptive, ratelimit.SystemSampler{}, logger)
		monitor.SetInstrumentation(inst)
		monitor.Start(ctx)
		cleanups = append(cleanups, monitor.Stop)
		opts = append(opts, ratelimit.WithLoadMonitor(monitor))
	}

	h := authz.NewHandler(srv, &authz.Config{
		Policy:         policy,
		RateLimit:      authz.RateLimitConfig{Limiter: ratelimit.New(cfg.RateLimit, counter, opts...)},
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger,
	})
	cleanups = append(cleanups, h.Close)
	return h, cleanup, nil
}

func newRouter(h *authz.Handler) chi.Router {
	r := h.Routes()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(h.ValidateToken).Handle("/mcp",
		mcpserver.NewStreamableHTTPServer(newMCPServer(h), mcpserver.WithEndpointPath("/mcp")))
	return r
}

// serveAll runs every server until ctx is done or one of them fails, then
// shuts all of them down.
func serveAll(ctx context.Context, servers []*http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
