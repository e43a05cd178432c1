// Package valkey provides a Valkey storage backend.
//
// Valkey is wire-compatible with Redis. The backend lets several server
// instances share clients, tokens, authorization codes, users and OAuth state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp-authz:"):
//
//	{prefix}client:{clientID}   -> JSON(Client)
//	{prefix}token:{accessToken} -> JSON(Token)          (TTL from expiry)
//	{prefix}code:{code}         -> JSON(AuthCode)       (TTL from expiry)
//	{prefix}user:{userID}       -> JSON(User)
//	{prefix}item:{key}          -> raw bytes            (optional TTL)
//
// # Atomic Operations
//
// ConsumeAuthCode runs a Lua GET+DEL script so that, across every instance,
// exactly one exchange of a given code succeeds.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcp-authz:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Values may additionally be sealed with AES-256-GCM via SetEncryptor.
package valkey
