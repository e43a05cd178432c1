// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization layer.
//
// Instrumentation is optional: every consumer accepts a nil *Instrumentation and
// a nil *Metrics records nothing. When enabled, metrics go through the OTel SDK
// meter provider and can be exported in Prometheus format:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "mcp-authz",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// Spans are only recorded when a SpanExporter is configured.
//
// # Security
//
// Never record token values, authorization codes, client secrets, PKCE
// verifiers or state values in spans or metric attributes. Client IPs are only
// attached when LogClientIPs is set.
package instrumentation
