package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY WARNING: never put access tokens, authorization codes, client secrets,
// PKCE verifiers or OAuth state values in spans. Only metadata belongs here.
const (
	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrScope      = "oauth.scope"
	AttrProvider   = "oauth.provider"
	AttrGrantType  = "oauth.grant_type"
	AttrPKCEMethod = "oauth.pkce.method"
	AttrError      = "oauth.error"
	AttrResource   = "oauth.resource"

	AttrStorageBackend   = "storage.backend"
	AttrStorageOperation = "storage.operation"

	AttrRateLimiter = "ratelimit.limiter"
	AttrToolName    = "mcp.tool"
	AttrClientIP    = "security.client_ip"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the common OAuth flow attributes that are set (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}
