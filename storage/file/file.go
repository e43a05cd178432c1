// Package file provides a storage.Store that persists its state to a single
// file on disk, sealed with AES-256-GCM.
//
// The file holds one envelope of the form hex(iv):hex(authTag):hex(ciphertext)
// wrapping the JSON snapshot. A plaintext JSON file written by an older
// deployment is migrated to the encrypted form on first load. Decryption
// failures are never downgraded to an empty store.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
)

const (
	backendName = "file"

	fileMode = 0o600

	lockRetryDelay = 50 * time.Millisecond
	lockTimeout    = 10 * time.Second
)

var (
	// ErrPlaintextInProduction is returned when encryption is disabled in a
	// production deployment without an explicit override.
	ErrPlaintextInProduction = errors.New("refusing to store data unencrypted in production")

	// ErrEncryptedWithoutKey is returned when an encrypted file is opened with
	// encryption disabled.
	ErrEncryptedWithoutKey = errors.New("storage file is encrypted but encryption is disabled")
)

// Config configures the file backend.
type Config struct {
	// Path of the data file. Its directory is created if missing.
	Path string

	// Password the AES key is derived from. Required unless DisableEncryption.
	Password string

	// Salt for key derivation. Empty selects security.DefaultKeySalt.
	Salt string

	// DisableEncryption writes plaintext JSON. Only honoured outside
	// production unless AllowPlaintextInProduction is also set.
	DisableEncryption bool

	// Production marks a production deployment.
	Production bool

	// AllowPlaintextInProduction overrides the production refusal.
	AllowPlaintextInProduction bool

	// CleanupInterval is passed to the in-memory index. Zero means one minute.
	CleanupInterval time.Duration

	Logger *slog.Logger
}

// Store keeps the working set in a memory.Store and rewrites the file after
// every mutation.
type Store struct {
	*memory.Store

	path      string
	encryptor *security.Encryptor
	logger    *slog.Logger
	metrics   *instrumentation.Metrics

	// fileMu serialises mutations with their persist step inside the process;
	// lock guards the file against other processes.
	fileMu sync.Mutex
	lock   *flock.Flock

	// loaded is set once Initialize succeeds. Close persists only loaded state.
	loaded bool
}

var _ storage.Store = (*Store)(nil)

// New validates cfg and creates the store. Call Initialize to load the file.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:   cfg.Path,
		logger: logger,
		lock:   flock.New(cfg.Path + ".lock"),
	}

	if cfg.DisableEncryption {
		if cfg.Production && !cfg.AllowPlaintextInProduction {
			return nil, ErrPlaintextInProduction
		}
		logger.Warn("File storage encryption is disabled, data is stored in plaintext", "path", cfg.Path)
	} else {
		enc, err := security.NewEncryptorFromPassword(cfg.Password, cfg.Salt)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		s.encryptor = enc
	}

	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}
	s.Store = memory.NewWithInterval(interval)
	s.Store.SetLogger(logger)

	return s, nil
}

// SetInstrumentation enables storage metrics for the index and the persist step.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.metrics = inst.Metrics()
	s.Store.SetInstrumentation(inst)
}

// Encrypted reports whether the file is sealed.
func (s *Store) Encrypted() bool {
	return s.encryptor != nil
}

// Initialize loads the file. A missing file yields an empty store. A legacy
// plaintext file is rewritten encrypted when encryption is enabled.
func (s *Store) Initialize(ctx context.Context) (err error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	defer func() {
		if err == nil {
			s.loaded = true
		}
	}()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("Storage file does not exist yet, starting empty", "path", s.path)
		s.Store.Restore(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read storage file: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		s.Store.Restore(nil)
		return nil
	}

	migrate := false
	switch {
	case security.IsEnvelope(data):
		if s.encryptor == nil {
			return ErrEncryptedWithoutKey
		}
		plain, err := s.encryptor.Open(string(data))
		if err != nil {
			// fail closed: a wrong key must not look like an empty store
			return fmt.Errorf("failed to decrypt storage file %s: %w", s.path, err)
		}
		data = plain
	case s.encryptor != nil:
		migrate = true
	}

	snap, skipped, err := decodeSnapshot(data, s.logger)
	if err != nil {
		return fmt.Errorf("failed to parse storage file: %w", err)
	}
	s.Store.Restore(snap)

	s.logger.Info("Loaded storage file",
		"path", s.path,
		"clients", len(snap.Clients),
		"tokens", len(snap.Tokens),
		"users", len(snap.Users),
		"skipped", skipped)

	if migrate {
		if err := s.write(ctx); err != nil {
			return fmt.Errorf("failed to migrate plaintext storage file: %w", err)
		}
		s.logger.Info("Migrated plaintext storage file to encrypted format", "path", s.path)
	}
	return nil
}

// Clear removes all entries and truncates the file contents.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, func() error { return s.Store.Clear(ctx) })
}

// Close persists the final state and stops the background sweep. A store
// that never loaded its file leaves the file untouched.
func (s *Store) Close() error {
	var err error
	s.fileMu.Lock()
	if s.loaded {
		err = s.persist(context.Background())
	}
	s.fileMu.Unlock()
	return errors.Join(err, s.Store.Close())
}

// Stop is an alias for Close that discards the error.
func (s *Store) Stop() {
	_ = s.Close()
}

func (s *Store) SetClient(ctx context.Context, client *storage.Client) error {
	return s.mutate(ctx, func() error { return s.Store.SetClient(ctx, client) })
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.mutate(ctx, func() error { return s.Store.DeleteClient(ctx, clientID) })
}

func (s *Store) SetToken(ctx context.Context, token *storage.Token) error {
	return s.mutate(ctx, func() error { return s.Store.SetToken(ctx, token) })
}

func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	return s.mutate(ctx, func() error { return s.Store.DeleteToken(ctx, accessToken) })
}

func (s *Store) SetAuthCode(ctx context.Context, code *storage.AuthCode) error {
	return s.mutate(ctx, func() error { return s.Store.SetAuthCode(ctx, code) })
}

func (s *Store) DeleteAuthCode(ctx context.Context, code string) error {
	return s.mutate(ctx, func() error { return s.Store.DeleteAuthCode(ctx, code) })
}

// ConsumeAuthCode removes the code from the index before the file is
// rewritten, so a concurrent caller cannot observe it in between.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	var out *storage.AuthCode
	err := s.mutate(ctx, func() error {
		var err error
		out, err = s.Store.ConsumeAuthCode(ctx, code)
		return err
	})
	return out, err
}

func (s *Store) SetUser(ctx context.Context, user *storage.User) error {
	return s.mutate(ctx, func() error { return s.Store.SetUser(ctx, user) })
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.mutate(ctx, func() error { return s.Store.DeleteUser(ctx, userID) })
}

func (s *Store) SetItem(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.mutate(ctx, func() error { return s.Store.SetItem(ctx, key, value, ttl) })
}

func (s *Store) DeleteItem(ctx context.Context, key string) error {
	return s.mutate(ctx, func() error { return s.Store.DeleteItem(ctx, key) })
}

func (s *Store) ConsumeItem(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.mutate(ctx, func() error {
		var err error
		out, err = s.Store.ConsumeItem(ctx, key)
		return err
	})
	return out, err
}

// mutate applies fn to the index and persists the result. A failed fn is not
// persisted, and a failed persist rolls the index back so that readers never
// keep seeing a write the caller was told had failed.
func (s *Store) mutate(ctx context.Context, fn func() error) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	before := s.Store.Snapshot()
	if err := fn(); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		s.Store.Restore(before)
		return err
	}
	return nil
}

// persist writes the current state under the cross-process lock.
// fileMu must be held.
func (s *Store) persist(ctx context.Context) (err error) {
	defer func(start time.Time) {
		storage.RecordOperation(ctx, s.metrics, backendName, "persist", start, err)
	}(time.Now())

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.write(ctx)
}

// write seals the snapshot and replaces the file atomically via rename.
func (s *Store) write(context.Context) error {
	data, err := json.Marshal(s.Store.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if s.encryptor != nil {
		sealed, err := s.encryptor.Seal(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
		data = []byte(sealed)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace storage file: %w", err)
	}
	return nil
}

func (s *Store) acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock storage file: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock storage file: timed out")
	}
	return nil
}

func (s *Store) release() {
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("Failed to unlock storage file", "error", err)
	}
}

// rawSnapshot defers per-entry decoding so one corrupted entry does not make
// the whole file unreadable.
type rawSnapshot struct {
	Clients            map[string]json.RawMessage `json:"clients"`
	Tokens             map[string]json.RawMessage `json:"tokens"`
	AuthorizationCodes map[string]json.RawMessage `json:"authorizationCodes"`
	Users              map[string]json.RawMessage `json:"users"`
	Items              map[string]json.RawMessage `json:"items"`
}

func decodeSnapshot(data []byte, logger *slog.Logger) (*storage.Snapshot, int, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, err
	}

	snap := storage.NewSnapshot()
	skipped := 0
	skipped += decodeEntries(raw.Clients, snap.Clients, "client", logger)
	skipped += decodeEntries(raw.Tokens, snap.Tokens, "token", logger)
	skipped += decodeEntries(raw.AuthorizationCodes, snap.AuthorizationCodes, "authorization_code", logger)
	skipped += decodeEntries(raw.Users, snap.Users, "user", logger)
	skipped += decodeEntries(raw.Items, snap.Items, "item", logger)
	return snap, skipped, nil
}

func decodeEntries[T any](in map[string]json.RawMessage, out map[string]*T, kind string, logger *slog.Logger) int {
	skipped := 0
	for key, msg := range in {
		var v T
		if err := json.Unmarshal(msg, &v); err != nil {
			logger.Warn("Skipping corrupted storage entry",
				"kind", kind,
				"key_length", len(key),
				"error", fmt.Errorf("%w: %v", storage.ErrCorrupted, err))
			skipped++
			continue
		}
		out[key] = &v
	}
	return skipped
}
