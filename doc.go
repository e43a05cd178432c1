// Package authz protects MCP tool endpoints with OAuth 2.1.
//
// The server package brokers logins to upstream identity providers and issues
// opaque bearer tokens. This package puts it on HTTP:
//
//   - Routes serves /authorize, /callback/{provider}, /token, /register and
//     the discovery documents under /.well-known/.
//   - ValidateToken guards protected routes. It checks the bearer token,
//     applies the rate limiter and enforces the scope requirement the policy
//     holds for the operation.
//   - ToolMiddleware applies the same policy to individual MCP tool calls.
//
// A minimal setup:
//
//	srv, err := server.New(store, providers, policy.Engine(), &server.Config{
//		BaseURL: "https://mcp.example.com",
//	}, logger)
//	if err != nil {
//		return err
//	}
//	h := authz.NewHandler(srv, &authz.Config{Policy: policy})
//	defer h.Close()
//
//	router := h.Routes()
//	router.With(h.ValidateToken).Handle("/mcp", mcpHandler)
package authz
