package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	ClientRegistered     metric.Int64Counter
	TokenValidated       metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	ThrottleTransitions  metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

type histogramSpec struct {
	dst   *metric.Float64Histogram
	meter metric.Meter
	name  string
	desc  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationStarted, serverMeter, "oauth.authorization.started", "Number of authorization flows started", "{flow}"},
		{&m.CallbackProcessed, serverMeter, "oauth.callback.processed", "Number of provider callbacks processed", "{callback}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.TokenValidated, serverMeter, "oauth.token.validated", "Number of bearer token validations", "{validation}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit rejections", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Number of authorization code reuse attempts", "{attempt}"},
		{&m.ThrottleTransitions, securityMeter, "oauth.rate_limit.throttle_transitions", "Number of adaptive throttling state changes", "{transition}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.ProviderAPICallsTotal, providerMeter, "provider.api.calls.total", "Total number of upstream provider API calls", "{call}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.ProviderAPIDuration, providerMeter, "provider.api.duration", "Upstream provider API call duration in milliseconds"},
	}
	for _, h := range histograms {
		hist, err := h.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = hist
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthorizationStarted records the start of an authorization flow
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordCallbackProcessed records a provider callback
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, provider string, success bool) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, pkce bool) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pkce", pkce)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordTokenValidation records a bearer token validation outcome
// ("valid", "missing", "unknown", "expired", "insufficient_scope").
func (m *Metrics) RecordTokenValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordThrottleTransition records adaptive throttling being engaged or released
func (m *Metrics) RecordThrottleTransition(ctx context.Context, engaged bool) {
	if m == nil {
		return
	}
	m.ThrottleTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("engaged", engaged)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records an upstream provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}
