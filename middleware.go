package authz

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/scope"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// UserInfo is the authenticated identity attached to requests that passed
// ValidateToken.
type UserInfo struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	ClientID  string    `json:"clientId"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HasScope reports whether the granted scopes satisfy scope, wildcards included.
func (u *UserInfo) HasScope(s string) bool {
	return slices.ContainsFunc(u.Scopes, func(granted string) bool {
		return scope.Match(granted, s)
	})
}

func userInfoFromToken(token *storage.Token) *UserInfo {
	return &UserInfo{
		UserID:    token.UserID,
		Email:     token.Email,
		ClientID:  token.ClientID,
		Scopes:    slices.Clone(token.Scopes),
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	}
}

// Context key for user info
type contextKey string

const userInfoKey contextKey = "user_info"

// UserInfoFromContext retrieves user info from the request context
func UserInfoFromContext(ctx context.Context) (*UserInfo, bool) {
	userInfo, ok := ctx.Value(userInfoKey).(*UserInfo)
	return userInfo, ok && userInfo != nil
}

// ContextWithUserInfo creates a context with the given user info.
//
// WARNING: outside of tests, user info must only be set by ValidateToken
// after the token was checked.
func ContextWithUserInfo(ctx context.Context, userInfo *UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey, userInfo)
}

// ValidateToken is middleware that guards protected operations. Public
// operations pass through after the anonymous rate limit. Everything else
// needs a live bearer token, the operation's scopes and rate budget.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "oauth.http.validate_token")
		defer span.End()

		clientIP := security.ClientIP(r, h.config.TrustedProxies)
		operation := h.config.OperationFunc(r)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResource, operation))

		if h.config.Policy.IsPublic(operation) {
			if !h.allow(ctx, w, ratelimit.Request{IP: clientIP}) {
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		requirement := h.config.Policy.Requirement(operation)

		accessToken, err := bearerToken(r)
		if err != nil {
			if !h.allow(ctx, w, ratelimit.Request{IP: clientIP}) {
				return
			}
			desc := "Missing Authorization header"
			if !errors.Is(err, errNoBearer) {
				desc = "Invalid Authorization header format"
			}
			instrumentation.SetSpanError(span, "missing bearer token")
			h.writeUnauthorizedError(w, scope.Join(requirement.Required), ErrorCodeInvalidToken, desc)
			return
		}

		token, err := h.server.ValidateToken(ctx, accessToken)
		if err != nil {
			if !h.allow(ctx, w, ratelimit.Request{IP: clientIP}) {
				return
			}
			oerr := AsOAuthError(err)
			if oerr.Code != ErrorCodeInvalidToken {
				h.writeFlowError(w, span, "Token lookup failed", err)
				return
			}
			h.logger.Debug("Token validation failed", "ip", clientIP, "error", err)
			h.server.Auditor.LogAuthFailure("", "", clientIP, oerr.Description)
			instrumentation.SetSpanError(span, "invalid token")
			h.writeUnauthorizedError(w, "", ErrorCodeInvalidToken, oerr.Description)
			return
		}

		user := userInfoFromToken(token)
		engine := h.server.Scopes()
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrUserID, user.UserID))

		if !h.allow(ctx, w, ratelimit.Request{
			UserID: user.UserID,
			IP:     clientIP,
			Admin:  engine.IsPrivileged(user.Scopes),
		}) {
			return
		}

		if missing := engine.Authorize(user.Scopes, requirement); missing.Kind != scope.MissingNone {
			h.logger.Info("Insufficient scope",
				"user_id", user.UserID,
				"operation", operation,
				"kind", missing.Kind,
				"missing", missing.Scopes)
			instrumentation.SetSpanError(span, "insufficient scope")
			h.writeInsufficientScopeError(w, missing.Scopes, "The access token lacks the scopes required for "+operation)
			return
		}

		instrumentation.SetSpanSuccess(span)
		next.ServeHTTP(w, r.WithContext(ContextWithUserInfo(r.Context(), user)))
	})
}

// allow applies the request limiter and writes a 429 when the request is
// rejected. Counter failures fail open. Returns false if a response was written.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, req ratelimit.Request) bool {
	if h.limiter == nil {
		return true
	}

	decision, err := h.limiter.Allow(ctx, req)
	if err != nil {
		h.logger.Warn("Rate limit check failed, allowing request", "error", err)
		return true
	}
	if decision.Allowed {
		setRateLimitHeaders(w, decision)
		return true
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", req.IP,
		"user_id", req.UserID,
		"limiter", decision.Limiter)
	h.recordRateLimitExceeded(ctx, decision.Limiter, req.IP, req.UserID)
	h.writeRateLimitError(w, decision)
	return false
}
