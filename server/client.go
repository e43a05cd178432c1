package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// SupportedTokenEndpointAuthMethods is advertised in the discovery document.
var SupportedTokenEndpointAuthMethods = []string{
	TokenEndpointAuthMethodNone,
	TokenEndpointAuthMethodBasic,
	TokenEndpointAuthMethodPost,
}

// RegistrationRequest carries the client metadata accepted at /register.
type RegistrationRequest struct {
	RedirectURIs            []string
	ClientName              string
	TokenEndpointAuthMethod string
}

// RegisterClient registers a new OAuth client and returns it along with the
// plaintext secret, which is empty for public clients. Only the bcrypt hash
// of the secret is stored.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRedirectURI("at least one redirect URI is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"client_ip", clientIP)
			return nil, "", ErrInvalidRedirectURI(err.Error())
		}
	}

	method := req.TokenEndpointAuthMethod
	if method == "" {
		method = TokenEndpointAuthMethodBasic
	}
	if !slices.Contains(SupportedTokenEndpointAuthMethods, method) {
		return nil, "", ErrInvalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
	}

	clientType := ClientTypeConfidential
	if method == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	}

	var secret, secretHash string
	if clientType == ClientTypeConfidential {
		secret = util.RandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", ErrServerError("failed to hash client secret").Wrap(err)
		}
		secretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		SecretHash:              secretHash,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		ClientName:              req.ClientName,
		GrantTypes:              []string{GrantTypeAuthorizationCode},
		ResponseTypes:           []string{ResponseTypeCode},
		TokenEndpointAuthMethod: method,
		CreatedAt:               s.now(),
	}
	if err := s.store.SetClient(ctx, client); err != nil {
		return nil, "", ErrServerError("failed to save client").Wrap(err)
	}

	s.metrics().RecordClientRegistration(ctx, clientType)
	s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", method,
		"client_ip", clientIP)

	return client, secret, nil
}

// AuthorizeRegistration checks the registration access token presented at
// /register. It always passes when public registration is enabled.
func (s *Server) AuthorizeRegistration(bearer string) error {
	if s.Config.AllowPublicClientRegistration {
		return nil
	}
	if s.Config.RegistrationAccessToken == "" {
		return ErrInvalidToken("client registration is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(s.Config.RegistrationAccessToken)) != 1 {
		return ErrInvalidToken("invalid registration access token")
	}
	return nil
}
