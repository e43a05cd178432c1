// Package security provides security features for the authorization layer including
// encryption at rest, registration rate limiting, audit logging, client IP
// resolution and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types
const (
	EventTokenIssued       = "token_issued"
	EventTokenExpired      = "token_expired"
	EventAuthFailure       = "auth_failure"
	EventCodeReuse         = "authorization_code_reuse"
	EventPKCEFailure       = "pkce_validation_failed"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventClientRegistered  = "client_registered"
	EventUserLogin         = "user_login"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a bearer token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID, limiter string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"limiter": limiter},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
