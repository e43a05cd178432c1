package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	authz "github.com/giantswarm/mcp-authz"
)

// newMCPServer builds the MCP server exposed at /mcp. Its tools are gated by
// the handler's tool middleware.
func newMCPServer(h *authz.Handler) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("mcp-authz", version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithToolHandlerMiddleware(h.ToolMiddleware()),
	)

	s.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Show the identity and scopes behind the current token"),
	), handleWhoami)

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo a message back"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Message to echo"),
		),
	), handleEcho)

	return s
}

func handleWhoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := authz.UserInfoFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated user"), nil
	}
	data, err := json.Marshal(user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format user info: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func handleEcho(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message argument is required"), nil
	}
	return mcp.NewToolResultText(message), nil
}
