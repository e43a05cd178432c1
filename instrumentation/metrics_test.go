package instrumentation

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func hasFamily(families []*dto.MetricFamily, prefix string) bool {
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), prefix) {
			return true
		}
	}
	return false
}

func TestMetrics_RecordAll(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	inst, err := New(Config{
		Enabled:              true,
		MetricsExporter:      ExporterPrometheus,
		PrometheusRegisterer: reg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()
	m.RecordHTTPRequest(ctx, "POST", "/token", 200, 12.5)
	m.RecordAuthorizationStarted(ctx, "google")
	m.RecordCallbackProcessed(ctx, "google", true)
	m.RecordCodeExchange(ctx, true)
	m.RecordClientRegistration(ctx, "public")
	m.RecordTokenValidation(ctx, "valid")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordCodeReuseDetected(ctx)
	m.RecordThrottleTransition(ctx, true)
	m.RecordStorageOperation(ctx, "memory", "get_token", "success", 0.2)
	m.RecordProviderAPICall(ctx, "github", "userinfo", 200, 40)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, name := range []string{
		"oauth_http_requests",
		"oauth_authorization_started",
		"oauth_callback_processed",
		"oauth_code_exchanged",
		"oauth_client_registered",
		"oauth_token_validated",
		"oauth_pkce_validation_failed",
		"oauth_code_reuse_detected",
		"oauth_rate_limit_throttle_transitions",
		"storage_operation_total",
		"provider_api_calls_total",
	} {
		if !hasFamily(families, name) {
			t.Errorf("metric family %s not found", name)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// none of these may panic
	m.RecordHTTPRequest(ctx, "GET", "/", 200, 1)
	m.RecordRateLimitExceeded(ctx, "tool")
	m.RecordStorageOperation(ctx, "file", "set_item", "error", 1)
	m.RecordProviderAPICall(ctx, "google", "exchange", 500, 1)
}
