// Package memory provides an in-process implementation of storage.Store.
// State is lost on restart, so it suits tests, development and single-process
// disposable deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/storage"
)

const backendName = "memory"

// Store is an in-memory implementation of storage.Store. All map access is
// guarded by a single RWMutex, which also makes ConsumeAuthCode atomic.
type Store struct {
	mu    sync.RWMutex
	state *storage.Snapshot

	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with a one-minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store whose background sweep runs every interval.
// A non-positive interval disables the sweep; expiry is still enforced on read.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		state:           storage.NewSnapshot(),
		now:             time.Now,
		logger:          slog.Default(),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// SetLogger replaces the logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables storage operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.metrics = inst.Metrics()
}

// Initialize is a no-op for the memory backend.
func (s *Store) Initialize(context.Context) error {
	return nil
}

// Close stops the background sweep.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Stop is an alias for Close.
func (s *Store) Stop() {
	_ = s.Close()
}

// Clear removes all entries.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = storage.NewSnapshot()
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *storage.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := storage.NewSnapshot()
	for k, v := range s.state.Clients {
		out.Clients[k] = v.Clone()
	}
	for k, v := range s.state.Tokens {
		out.Tokens[k] = v.Clone()
	}
	for k, v := range s.state.AuthorizationCodes {
		out.AuthorizationCodes[k] = v.Clone()
	}
	for k, v := range s.state.Users {
		out.Users[k] = v.Clone()
	}
	for k, v := range s.state.Items {
		out.Items[k] = v.Clone()
	}
	return out
}

// Restore replaces the current state with snap. Nil maps are allocated.
func (s *Store) Restore(snap *storage.Snapshot) {
	fresh := storage.NewSnapshot()
	if snap != nil {
		for k, v := range snap.Clients {
			fresh.Clients[k] = v
		}
		for k, v := range snap.Tokens {
			fresh.Tokens[k] = v
		}
		for k, v := range snap.AuthorizationCodes {
			fresh.AuthorizationCodes[k] = v
		}
		for k, v := range snap.Users {
			fresh.Users[k] = v
		}
		for k, v := range snap.Items {
			fresh.Items[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fresh
}

// ============================================================
// Clients
// ============================================================

// SetClient stores or replaces a client.
func (s *Store) SetClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.observe(ctx, "set_client", time.Now(), &err)

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Clients[client.ClientID] = client.Clone()
	return nil
}

// GetClient returns a copy of the client.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	defer s.observe(ctx, "get_client", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.Clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client: %w", storage.ErrNotFound)
	}
	return c.Clone(), nil
}

// DeleteClient removes a client. Deleting an absent client is not an error.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	defer s.observe(ctx, "delete_client", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Clients, clientID)
	return nil
}

// ============================================================
// Tokens
// ============================================================

// SetToken stores a token keyed by its access token.
func (s *Store) SetToken(ctx context.Context, token *storage.Token) (err error) {
	defer s.observe(ctx, "set_token", time.Now(), &err)

	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tokens[token.AccessToken] = token.Clone()
	return nil
}

// GetToken returns the token even when it has expired; callers decide what an
// expired token means and delete it.
func (s *Store) GetToken(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	defer s.observe(ctx, "get_token", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.Tokens[accessToken]
	if !ok {
		return nil, fmt.Errorf("token: %w", storage.ErrNotFound)
	}
	return t.Clone(), nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) (err error) {
	defer s.observe(ctx, "delete_token", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Tokens, accessToken)
	return nil
}

// ============================================================
// Authorization codes
// ============================================================

// SetAuthCode stores an authorization code.
func (s *Store) SetAuthCode(ctx context.Context, code *storage.AuthCode) (err error) {
	defer s.observe(ctx, "set_auth_code", time.Now(), &err)

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AuthorizationCodes[code.Code] = code.Clone()
	return nil
}

// GetAuthCode returns a copy of the code without consuming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (_ *storage.AuthCode, err error) {
	defer s.observe(ctx, "get_auth_code", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.AuthorizationCodes[code]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}
	return c.Clone(), nil
}

// DeleteAuthCode removes a code.
func (s *Store) DeleteAuthCode(ctx context.Context, code string) (err error) {
	defer s.observe(ctx, "delete_auth_code", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.AuthorizationCodes, code)
	return nil
}

// ConsumeAuthCode returns and deletes a code under the write lock.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (_ *storage.AuthCode, err error) {
	defer s.observe(ctx, "consume_auth_code", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.AuthorizationCodes[code]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}
	delete(s.state.AuthorizationCodes, code)
	return c, nil
}

// ============================================================
// Users
// ============================================================

// SetUser stores or replaces a user.
func (s *Store) SetUser(ctx context.Context, user *storage.User) (err error) {
	defer s.observe(ctx, "set_user", time.Now(), &err)

	if user == nil || user.ID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Users[user.ID] = user.Clone()
	return nil
}

// GetUser returns a copy of the user.
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	defer s.observe(ctx, "get_user", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.Users[userID]
	if !ok {
		return nil, fmt.Errorf("user: %w", storage.ErrNotFound)
	}
	return u.Clone(), nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, userID string) (err error) {
	defer s.observe(ctx, "delete_user", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Users, userID)
	return nil
}

// ============================================================
// Items
// ============================================================

// SetItem stores value under key with an optional TTL.
func (s *Store) SetItem(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer s.observe(ctx, "set_item", time.Now(), &err)

	if key == "" {
		return fmt.Errorf("item key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item := &storage.Item{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.ExpiresAt = s.now().Add(ttl)
	}
	s.state.Items[key] = item
	return nil
}

// GetItem returns the value, deleting it lazily if its TTL has elapsed.
// The check and delete happen under the write lock so a concurrent reader can
// never observe an expired value.
func (s *Store) GetItem(ctx context.Context, key string) (_ []byte, err error) {
	defer s.observe(ctx, "get_item", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.state.Items[key]
	if !ok {
		return nil, fmt.Errorf("item: %w", storage.ErrNotFound)
	}
	if item.Expired(s.now()) {
		delete(s.state.Items, key)
		return nil, fmt.Errorf("item: %w", storage.ErrNotFound)
	}
	return append([]byte(nil), item.Value...), nil
}

// ConsumeItem returns and deletes an unexpired item under the write lock.
func (s *Store) ConsumeItem(ctx context.Context, key string) (_ []byte, err error) {
	defer s.observe(ctx, "consume_item", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.state.Items[key]
	if !ok {
		return nil, fmt.Errorf("item: %w", storage.ErrNotFound)
	}
	delete(s.state.Items, key)
	if item.Expired(s.now()) {
		return nil, fmt.Errorf("item: %w", storage.ErrNotFound)
	}
	return append([]byte(nil), item.Value...), nil
}

// DeleteItem removes an item.
func (s *Store) DeleteItem(ctx context.Context, key string) (err error) {
	defer s.observe(ctx, "delete_item", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Items, key)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired items, codes and tokens and returns how many entries
// were dropped.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweepExpired(s.state, s.now())
}

// SweepExpired deletes expired entries from snap in place. The caller must
// hold whatever lock protects snap.
func SweepExpired(snap *storage.Snapshot, now time.Time) int {
	removed := 0
	for k, item := range snap.Items {
		if item.Expired(now) {
			delete(snap.Items, k)
			removed++
		}
	}
	for k, code := range snap.AuthorizationCodes {
		if code.Expired(now) {
			delete(snap.AuthorizationCodes, k)
			removed++
		}
	}
	for k, tok := range snap.Tokens {
		if tok.Expired(now) {
			delete(snap.Tokens, k)
			removed++
		}
	}
	return removed
}

func (s *Store) observe(ctx context.Context, op string, start time.Time, err *error) {
	storage.RecordOperation(ctx, s.metrics, backendName, op, start, *err)
}
