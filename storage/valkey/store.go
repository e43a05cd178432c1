package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp-authz:"

	backendName = "valkey"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// expiredTokenGrace keeps a token readable briefly past its expiry so the
	// bearer middleware can report it as expired instead of unknown.
	expiredTokenGrace = time.Minute

	// MaxKeyLength bounds identifiers used in keys.
	MaxKeyLength = 512

	// MaxValueSize bounds serialized values (64KB).
	MaxValueSize = 64 * 1024
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp-authz:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client  valkeygo.Client
	prefix  string
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	closeOnce sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey client and returns a store using it. The connection is
// verified by Initialize.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Created Valkey storage client",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Client exposes the underlying client so other components, such as the
// distributed rate limit counter, can share the connection.
func (s *Store) Client() valkeygo.Client {
	return s.client
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.metrics = inst.Metrics()
}

// SetEncryptor seals every stored value with enc. Values written without an
// encryptor cannot be read once one is set.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil {
		s.logger.Info("Value encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// Initialize verifies the connection.
func (s *Store) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()

	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.logger.Info("Valkey storage connection closed")
	})
	return nil
}

// Clear deletes every key under the store prefix. Keys outside the prefix are
// never touched.
func (s *Store) Clear(ctx context.Context) (err error) {
	defer s.observe(ctx, "clear", time.Now(), &err)

	pattern := s.prefix + "*"
	var cursor uint64
	deleted := 0
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}

		if len(entry.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
			deleted += len(entry.Elements)
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	s.logger.Debug("Cleared Valkey storage", "prefix", s.prefix, "deleted", deleted)
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) tokenKey(token string) string     { return s.prefix + "token:" + token }
func (s *Store) codeKey(code string) string       { return s.prefix + "code:" + code }
func (s *Store) userKey(userID string) string     { return s.prefix + "user:" + userID }
func (s *Store) itemKey(key string) string        { return s.prefix + "item:" + key }

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaGetAndDelete returns the value at KEYS[1] and deletes it in one step.
// Concurrent callers for the same key see the value at most once.
//
// KEYS[1] = code key
//
// Returns the stored value, or nil if the key does not exist.
const luaGetAndDelete = `
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
redis.call('DEL', KEYS[1])
return data
`

// ============================================================
// Encoding
// ============================================================

func (s *Store) encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.seal(data)
}

func (s *Store) seal(data []byte) (string, error) {
	if len(data) > MaxValueSize {
		return "", errInputTooLarge
	}
	enc := s.getEncryptor()
	if enc == nil {
		return string(data), nil
	}
	sealed, err := enc.Seal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt value: %w", err)
	}
	return sealed, nil
}

func (s *Store) open(raw string) ([]byte, error) {
	enc := s.getEncryptor()
	if enc == nil {
		return []byte(raw), nil
	}
	return enc.Open(raw)
}

func (s *Store) decode(raw string, v any) error {
	data, err := s.open(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCorrupted, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCorrupted, err)
	}
	return nil
}

// validateKeyLength checks if an identifier exceeds the maximum allowed length
func validateKeyLength(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(value) > MaxKeyLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, MaxKeyLength)
	}
	return nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func (s *Store) observe(ctx context.Context, op string, start time.Time, err *error) {
	storage.RecordOperation(ctx, s.metrics, backendName, op, start, *err)
}
