package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned for absent keys and expired items.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned when a single stored entry cannot be decoded.
	// Other entries remain readable.
	ErrCorrupted = errors.New("stored entry is corrupted")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Client is a registered OAuth consumer.
type Client struct {
	ClientID string `json:"client_id"`

	// SecretHash is the bcrypt hash of the client secret. Empty for public clients.
	SecretHash string `json:"secret_hash,omitempty"`

	RedirectURIs            []string  `json:"redirect_uris"`
	ClientName              string    `json:"client_name,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.SecretHash == ""
}

// Token is an issued bearer credential. Scopes are fixed at issuance.
type Token struct {
	AccessToken  string    `json:"access_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	Scopes       []string  `json:"scopes"`
	Resource     string    `json:"resource,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// Expired reports whether the token is past its recorded expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// AuthCode is a one-time exchange voucher minted after a successful upstream login.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scopes              []string  `json:"scopes"`
	Resource            string    `json:"resource,omitempty"`
	UserID              string    `json:"user_id"`
	Email               string    `json:"email,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthCode) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// User is an authenticated upstream identity, keyed by "provider:subject".
type User struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserID builds the provider-qualified user id.
func UserID(provider, subject string) string {
	return provider + ":" + subject
}

// ClientStore persists registered clients.
type ClientStore interface {
	SetClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	DeleteClient(ctx context.Context, clientID string) error
}

// TokenStore persists issued bearer tokens keyed by the access token.
type TokenStore interface {
	SetToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, accessToken string) (*Token, error)
	DeleteToken(ctx context.Context, accessToken string) error
}

// AuthCodeStore persists authorization codes.
type AuthCodeStore interface {
	SetAuthCode(ctx context.Context, code *AuthCode) error
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)
	DeleteAuthCode(ctx context.Context, code string) error

	// ConsumeAuthCode atomically returns and deletes a code. Of two concurrent
	// calls for the same code exactly one succeeds; the other gets ErrNotFound.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error)
}

// UserStore persists upstream identities.
type UserStore interface {
	SetUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	DeleteUser(ctx context.Context, userID string) error
}

// ItemStore persists generic TTL-bound values such as OAuth state.
type ItemStore interface {
	// SetItem stores value under key. A ttl of zero or less means no expiry.
	SetItem(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetItem returns ErrNotFound once the TTL has elapsed.
	GetItem(ctx context.Context, key string) ([]byte, error)

	DeleteItem(ctx context.Context, key string) error

	// ConsumeItem returns the value and deletes it in one step. Of several
	// concurrent callers only one receives the value; the rest get ErrNotFound.
	ConsumeItem(ctx context.Context, key string) ([]byte, error)
}

// Store is the full contract implemented by every backend.
type Store interface {
	ClientStore
	TokenStore
	AuthCodeStore
	UserStore
	ItemStore

	// Initialize prepares the backend (loads the file, verifies the connection).
	Initialize(ctx context.Context) error

	// Close releases resources. The store must not be used afterwards.
	Close() error

	// Clear removes every entry owned by the store.
	Clear(ctx context.Context) error
}

// Item is an ephemeral value with an optional expiry.
type Item struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Expired reports whether the item is past its expiry at now.
func (i *Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Snapshot is the complete state of a single-node store. Its JSON form is the
// plaintext layout of the file backend.
type Snapshot struct {
	Clients            map[string]*Client   `json:"clients"`
	Tokens             map[string]*Token    `json:"tokens"`
	AuthorizationCodes map[string]*AuthCode `json:"authorizationCodes"`
	Users              map[string]*User     `json:"users"`
	Items              map[string]*Item     `json:"items"`
}

// NewSnapshot returns a snapshot with all maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Clients:            make(map[string]*Client),
		Tokens:             make(map[string]*Token),
		AuthorizationCodes: make(map[string]*AuthCode),
		Users:              make(map[string]*User),
		Items:              make(map[string]*Item),
	}
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &cp
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// Clone returns a deep copy.
func (c *AuthCode) Clone() *AuthCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// Clone returns a copy.
func (u *User) Clone() *User {
	cp := *u
	return &cp
}

// Clone returns a deep copy.
func (i *Item) Clone() *Item {
	return &Item{Value: slices.Clone(i.Value), ExpiresAt: i.ExpiresAt}
}
