package authz

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/scope"
)

// ToolMiddleware gates MCP tool calls by the policy requirement for the
// tool name and by the tool's rate limit window. Failures are reported as
// tool errors so the MCP session stays usable.
//
// It expects the user info that ValidateToken places on the request context:
//
//	mcpSrv := mcpserver.NewMCPServer("name", "1.0.0",
//		mcpserver.WithToolHandlerMiddleware(h.ToolMiddleware()))
//	router.With(h.ValidateToken).Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcpSrv))
func (h *Handler) ToolMiddleware() mcpserver.ToolHandlerMiddleware {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			tool := request.Params.Name
			ctx, span := h.tracer.Start(ctx, "mcp.tool.authorize")
			defer span.End()
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrToolName, tool))

			user, authenticated := UserInfoFromContext(ctx)

			if !h.config.Policy.IsPublic(tool) {
				if !authenticated {
					instrumentation.SetSpanError(span, "unauthenticated")
					return mcp.NewToolResultError("authentication required to call " + tool), nil
				}
				missing := h.server.Scopes().Authorize(user.Scopes, h.config.Policy.Requirement(tool))
				if missing.Kind != scope.MissingNone {
					h.logger.Info("Tool call denied: insufficient scope",
						"user_id", user.UserID,
						"tool", tool,
						"kind", missing.Kind,
						"missing", missing.Scopes)
					instrumentation.SetSpanError(span, "insufficient scope")
					return mcp.NewToolResultError(fmt.Sprintf("insufficient scope for %s: requires %s",
						tool, scope.Join(missing.Scopes))), nil
				}
			}

			if h.limiter != nil {
				req := ratelimit.Request{Tool: tool}
				if authenticated {
					req.UserID = user.UserID
					req.Admin = h.server.Scopes().IsPrivileged(user.Scopes)
				}
				decision, err := h.limiter.AllowTool(ctx, req)
				switch {
				case err != nil:
					h.logger.Warn("Tool rate limit check failed, allowing call", "tool", tool, "error", err)
				case !decision.Allowed:
					h.recordRateLimitExceeded(ctx, decision.Limiter, "", req.UserID)
					instrumentation.SetSpanError(span, "rate limited")
					return mcp.NewToolResultError(decision.Err().Error()), nil
				}
			}

			instrumentation.SetSpanSuccess(span)
			return next(ctx, request)
		}
	}
}
