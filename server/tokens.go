package server

import (
	"context"
	"errors"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Token validation results, used as metric labels.
const (
	TokenValid    = "valid"
	TokenMissing  = "missing"
	TokenUnknown  = "unknown"
	TokenExpired  = "expired"
	TokenStoreErr = "error"
)

// ValidateToken looks up a bearer token. Unknown tokens and tokens past their
// expiry yield invalid_token; expired tokens are deleted on detection.
func (s *Server) ValidateToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.ValidateToken")
	defer span.End()

	token, result, err := s.validateToken(ctx, accessToken)
	s.metrics().RecordTokenValidation(ctx, result)
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (s *Server) validateToken(ctx context.Context, accessToken string) (*storage.Token, string, error) {
	if accessToken == "" {
		return nil, TokenMissing, ErrInvalidToken("missing access token")
	}

	token, err := s.store.GetToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, TokenUnknown, ErrInvalidToken("invalid access token")
		}
		return nil, TokenStoreErr, ErrServerError("failed to load token").Wrap(err)
	}

	if token.Expired(s.now()) {
		if err := s.store.DeleteToken(ctx, accessToken); err != nil {
			s.Logger.Warn("Failed to delete expired token", "error", err)
		}
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenExpired,
			UserID:   token.UserID,
			ClientID: token.ClientID,
			Details:  map[string]any{"token_prefix": util.SafeTruncate(accessToken, 8)},
		})
		return nil, TokenExpired, ErrInvalidToken("access token expired")
	}

	return token, TokenValid, nil
}
