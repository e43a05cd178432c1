// Package providers defines the upstream identity provider contract.
//
// The set of provider kinds is closed: Google, GitHub and Custom. Each kind is
// implemented in its own subpackage and selected once at startup from a
// Config, never re-interpreted per request:
//   - providers/google: Google OAuth 2.0 / OpenID Connect
//   - providers/github: GitHub OAuth Apps
//   - providers/custom: any OAuth2 provider given explicit endpoints or an OIDC issuer
//   - providers/registry: builds providers from configuration and looks them up by name
//   - providers/mock: configurable provider for tests
//   - providers/oidc: issuer validation and discovery shared by OIDC-based kinds
//
// The authorization server is a confidential client towards the upstream
// provider and runs its own PKCE exchange with it. The verifier passed to
// AuthorizationURL and ExchangeCode is generated by the server, never taken
// from the downstream client.
package providers
