// Package server implements the authorization server flows.
//
// The server is a confidential client towards upstream identity providers
// (Google, GitHub or a custom OAuth2/OIDC server) and an authorization server
// towards MCP clients. It runs its own PKCE leg upstream, mints one-time
// authorization codes after a successful login and exchanges them for opaque
// bearer tokens stamped with the granted scopes.
//
// All state lives in a storage.Store:
//   - pending authorizations as ephemeral items with a short TTL
//   - authorization codes, consumed atomically at /token
//   - issued tokens, looked up on every protected request
//   - registered clients and upstream users
//
// Flow functions return *Error values whose Code and Status map directly to
// OAuth error responses. HTTP concerns live in the root package.
//
// Example usage:
//
//	reg, err := registry.New(ctx, providerConfigs, "", logger)
//	if err != nil {
//	    return err
//	}
//	srv, err := server.New(store, reg, scope.NewEngine(nil), &server.Config{
//	    BaseURL:     "https://mcp.example.com",
//	    RequirePKCE: true,
//	}, logger)
package server
