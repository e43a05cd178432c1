// Package mock provides a storage.Store with injectable failures for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
)

// Operation names accepted by FailOn.
const (
	OpSetClient       = "SetClient"
	OpGetClient       = "GetClient"
	OpSetToken        = "SetToken"
	OpGetToken        = "GetToken"
	OpDeleteToken     = "DeleteToken"
	OpSetAuthCode     = "SetAuthCode"
	OpConsumeAuthCode = "ConsumeAuthCode"
	OpSetUser         = "SetUser"
	OpSetItem         = "SetItem"
	OpGetItem         = "GetItem"
	OpConsumeItem     = "ConsumeItem"
)

// Store delegates to an in-memory store unless a failure was injected for
// the operation. Every call is counted.
type Store struct {
	*memory.Store

	mu         sync.Mutex
	failures   map[string]error
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a mock store without a background sweep.
func NewStore() *Store {
	return &Store{
		Store:      memory.NewWithInterval(0),
		failures:   make(map[string]error),
		callCounts: make(map[string]int),
	}
}

// FailOn makes op return err until Reset. A nil err clears the failure.
func (m *Store) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Reset clears injected failures and call counts.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]error)
	m.callCounts = make(map[string]int)
}

// Calls returns how often op was invoked.
func (m *Store) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

func (m *Store) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[op]++
	return m.failures[op]
}

func (m *Store) SetClient(ctx context.Context, client *storage.Client) error {
	if err := m.record(OpSetClient); err != nil {
		return err
	}
	return m.Store.SetClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.record(OpGetClient); err != nil {
		return nil, err
	}
	return m.Store.GetClient(ctx, clientID)
}

func (m *Store) SetToken(ctx context.Context, token *storage.Token) error {
	if err := m.record(OpSetToken); err != nil {
		return err
	}
	return m.Store.SetToken(ctx, token)
}

func (m *Store) GetToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	if err := m.record(OpGetToken); err != nil {
		return nil, err
	}
	return m.Store.GetToken(ctx, accessToken)
}

func (m *Store) DeleteToken(ctx context.Context, accessToken string) error {
	if err := m.record(OpDeleteToken); err != nil {
		return err
	}
	return m.Store.DeleteToken(ctx, accessToken)
}

func (m *Store) SetAuthCode(ctx context.Context, code *storage.AuthCode) error {
	if err := m.record(OpSetAuthCode); err != nil {
		return err
	}
	return m.Store.SetAuthCode(ctx, code)
}

func (m *Store) ConsumeAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	if err := m.record(OpConsumeAuthCode); err != nil {
		return nil, err
	}
	return m.Store.ConsumeAuthCode(ctx, code)
}

func (m *Store) SetUser(ctx context.Context, user *storage.User) error {
	if err := m.record(OpSetUser); err != nil {
		return err
	}
	return m.Store.SetUser(ctx, user)
}

func (m *Store) SetItem(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.record(OpSetItem); err != nil {
		return err
	}
	return m.Store.SetItem(ctx, key, value, ttl)
}

func (m *Store) GetItem(ctx context.Context, key string) ([]byte, error) {
	if err := m.record(OpGetItem); err != nil {
		return nil, err
	}
	return m.Store.GetItem(ctx, key)
}

func (m *Store) ConsumeItem(ctx context.Context, key string) ([]byte, error) {
	if err := m.record(OpConsumeItem); err != nil {
		return nil, err
	}
	return m.Store.ConsumeItem(ctx, key)
}
