package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/providers/registry"
	"github.com/giantswarm/mcp-authz/scope"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Server implements the OAuth 2.1 authorization server logic. It brokers
// logins to upstream providers and issues its own opaque bearer tokens.
type Server struct {
	store     storage.Store
	providers *registry.Registry
	scopes    *scope.Engine

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// New creates a new OAuth server. A nil engine uses the default scope hierarchy.
func New(
	store storage.Store,
	providers *registry.Registry,
	engine *scope.Engine,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = scope.NewEngine(nil)
	}

	config = applySecureDefaults(config, logger)
	if err := config.validate(logger); err != nil {
		return nil, err
	}

	return &Server{
		store:     store,
		providers: providers,
		scopes:    engine,
		Config:    config,
		Logger:    logger,
		tracer:    instrumentation.TracerOrNoop(nil, "server"),
		now:       time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics and tracing for the flows.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = instrumentation.TracerOrNoop(inst, "server")
}

// SetClock replaces the time source. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Providers returns the provider registry.
func (s *Server) Providers() *registry.Registry {
	return s.providers
}

// Scopes returns the scope engine.
func (s *Server) Scopes() *scope.Engine {
	return s.scopes
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.instrumentation.Metrics()
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Now returns the current time from the server clock.
func (s *Server) Now() time.Time {
	return s.now()
}
