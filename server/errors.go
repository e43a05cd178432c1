package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes. The root package re-exports these.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeInvalidState            = "invalid_state"
	ErrorCodeStateMismatch           = "state_mismatch"
	ErrorCodeCallbackError           = "callback_error"
	ErrorCodeProviderNotConfigured   = "provider_not_configured"
	ErrorCodeInvalidResource         = "invalid_resource"
)

// Error is an OAuth protocol error. Description is returned to the caller;
// the wrapped cause is for logs only.
type Error struct {
	Code        string
	Description string
	Status      int

	cause error
}

// NewError creates a protocol error.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// AsError extracts the protocol error from err. Anything else becomes a
// server_error that hides the original message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return ErrServerError("internal server error").Wrap(err)
}

func ErrInvalidRequest(desc string) *Error {
	return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

func ErrInvalidGrant(desc string) *Error {
	return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

func ErrInvalidClient(desc string) *Error {
	return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

func ErrInvalidScope(desc string) *Error {
	return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

func ErrInvalidToken(desc string) *Error {
	return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

func ErrUnsupportedGrantType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

func ErrUnsupportedResponseType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
}

func ErrServerError(desc string) *Error {
	return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}

func ErrInvalidRedirectURI(desc string) *Error {
	return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
}

func ErrInvalidState(desc string) *Error {
	return NewError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
}

func ErrStateMismatch(desc string) *Error {
	return NewError(ErrorCodeStateMismatch, desc, http.StatusBadRequest)
}

// ErrCallbackError reports an upstream failure during the callback. The
// description must not carry upstream response details.
func ErrCallbackError(desc string) *Error {
	return NewError(ErrorCodeCallbackError, desc, http.StatusInternalServerError)
}

func ErrProviderNotConfigured(desc string) *Error {
	return NewError(ErrorCodeProviderNotConfigured, desc, http.StatusInternalServerError)
}

func ErrInvalidResource(desc string) *Error {
	return NewError(ErrorCodeInvalidResource, desc, http.StatusBadRequest)
}
