package authz

import (
	"github.com/giantswarm/mcp-authz/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeInvalidState            = server.ErrorCodeInvalidState
	ErrorCodeStateMismatch           = server.ErrorCodeStateMismatch
	ErrorCodeCallbackError           = server.ErrorCodeCallbackError
	ErrorCodeProviderNotConfigured   = server.ErrorCodeProviderNotConfigured
	ErrorCodeInvalidResource         = server.ErrorCodeInvalidResource
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError = server.Error

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return server.NewError(code, description, status)
}

// AsOAuthError extracts the OAuth error from err. Errors of any other kind
// become an opaque server_error.
func AsOAuthError(err error) *OAuthError {
	return server.AsError(err)
}

// Common OAuth errors as reusable constructors
var (
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidScope            = server.ErrInvalidScope
	ErrInvalidToken            = server.ErrInvalidToken
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrServerError             = server.ErrServerError
	ErrInvalidRedirectURI      = server.ErrInvalidRedirectURI
	ErrInvalidState            = server.ErrInvalidState
	ErrStateMismatch           = server.ErrStateMismatch
	ErrCallbackError           = server.ErrCallbackError
	ErrProviderNotConfigured   = server.ErrProviderNotConfigured
	ErrInvalidResource         = server.ErrInvalidResource
)
