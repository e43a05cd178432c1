package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authz/storage"
)

// TestClientSecret is the plaintext secret of GenerateConfidentialClient.
const TestClientSecret = "test-client-secret"

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GeneratePublicClient creates a client that authenticates without a secret.
func GeneratePublicClient(clientID string, redirectURIs ...string) *storage.Client {
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://app.example.com/callback"}
	}
	return &storage.Client{
		ClientID:                clientID,
		RedirectURIs:            redirectURIs,
		ClientName:              "Test Client",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		CreatedAt:               time.Now(),
	}
}

// GenerateConfidentialClient creates a client whose secret is TestClientSecret.
func GenerateConfidentialClient(clientID string, redirectURIs ...string) *storage.Client {
	c := GeneratePublicClient(clientID, redirectURIs...)
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}
	c.SecretHash = string(hash)
	c.TokenEndpointAuthMethod = "client_secret_post"
	return c
}

// GenerateTestToken creates a bearer token that expires after ttl.
func GenerateTestToken(userID string, ttl time.Duration, scopes ...string) *storage.Token {
	now := time.Now()
	return &storage.Token{
		AccessToken: GenerateRandomString(43),
		UserID:      userID,
		Email:       "test@example.com",
		ClientID:    "test-client-id",
		Scopes:      scopes,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

// GenerateTestAuthCode creates an authorization code bound to a PKCE challenge.
func GenerateTestAuthCode(challenge string) *storage.AuthCode {
	now := time.Now()
	return &storage.AuthCode{
		Code:                GenerateRandomString(43),
		ClientID:            "test-client-id",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scopes:              []string{"read"},
		UserID:              "google:12345",
		Email:               "test@example.com",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// GenerateTestUser creates a user for the given provider.
func GenerateTestUser(provider, subject string) *storage.User {
	now := time.Now()
	return &storage.User{
		ID:        storage.UserID(provider, subject),
		Provider:  provider,
		Subject:   subject,
		Email:     subject + "@example.com",
		Name:      "Test User",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
