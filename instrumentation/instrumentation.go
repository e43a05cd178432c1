package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// ExporterPrometheus selects the OTel Prometheus metric exporter.
	ExporterPrometheus = "prometheus"

	// instrumentationPrefix is prepended to meter and tracer scope names.
	instrumentationPrefix = "github.com/giantswarm/mcp-authz/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (default "mcp-authz")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricsExporter selects the metric exporter. Supported: "prometheus".
	// Empty keeps an in-process SDK meter provider without an exporter.
	MetricsExporter string

	// PrometheusRegisterer is the registry the Prometheus exporter registers with.
	// Nil uses the Prometheus default registerer.
	PrometheusRegisterer prometheus.Registerer

	// SpanExporter receives finished spans. Nil keeps tracing as no-op.
	SpanExporter sdktrace.SpanExporter

	// LogClientIPs controls whether client IP addresses are attached to
	// traces and metrics. Client IPs may be personal data in some jurisdictions.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// registered during New only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcp-authz"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders() error {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricsExporter {
	case "":
	case ExporterPrometheus:
		var promOpts []otelprom.Option
		if i.config.PrometheusRegisterer != nil {
			promOpts = append(promOpts, otelprom.WithRegisterer(i.config.PrometheusRegisterer))
		}
		exporter, err := otelprom.New(promOpts...)
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exporter))
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	if i.config.SpanExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(i.resource),
			sdktrace.WithSyncer(i.config.SpanExporter),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	} else {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}

	return nil
}

// Shutdown flushes and stops all providers. Only the first call has an effect.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "server", "storage", "provider", "ratelimit"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
// It is safe to call on a nil Instrumentation and returns nil, whose
// Record methods are no-ops.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i != nil && i.config.LogClientIPs
}

// TracerOrNoop returns a tracer for scope, or a no-op tracer when inst is nil.
func TracerOrNoop(inst *Instrumentation, scope string) trace.Tracer {
	if inst == nil {
		return tracenoop.NewTracerProvider().Tracer(instrumentationPrefix + scope)
	}
	return inst.Tracer(scope)
}
