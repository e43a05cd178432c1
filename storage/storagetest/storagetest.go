// Package storagetest holds the contract tests every storage.Store backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/storage"
)

// Harness creates fresh stores for the suite.
type Harness struct {
	// New returns an initialized, empty store. The harness owns cleanup.
	New func(t *testing.T) storage.Store

	// Advance moves the backend's notion of time forward.
	Advance func(d time.Duration)
}

// Run executes the contract suite against the backend.
func Run(t *testing.T, h Harness) {
	t.Run("Clients", func(t *testing.T) { testClients(t, h) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, h) })
	t.Run("AuthCodes", func(t *testing.T) { testAuthCodes(t, h) })
	t.Run("ConsumeAuthCodeConcurrent", func(t *testing.T) { testConsumeConcurrent(t, h) })
	t.Run("Users", func(t *testing.T) { testUsers(t, h) })
	t.Run("ItemTTL", func(t *testing.T) { testItemTTL(t, h) })
	t.Run("ItemNoTTL", func(t *testing.T) { testItemNoTTL(t, h) })
	t.Run("ConsumeItemConcurrent", func(t *testing.T) { testConsumeItemConcurrent(t, h) })
	t.Run("ConsumeItemExpired", func(t *testing.T) { testConsumeItemExpired(t, h) })
	t.Run("Clear", func(t *testing.T) { testClear(t, h) })
	t.Run("Isolation", func(t *testing.T) { testIsolation(t, h) })
}

func testClients(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	client := testutil.GenerateConfidentialClient("client-1", "https://app.example.com/cb")
	require.NoError(t, s.SetClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.SecretHash, got.SecretHash)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	_, err = s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, s.DeleteClient(ctx, "never-existed"))
	assert.Error(t, s.SetClient(ctx, &storage.Client{}))
}

func testTokens(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	token := testutil.GenerateTestToken("github:42", time.Hour, "read", "mcp:call")
	require.NoError(t, s.SetToken(ctx, token))

	got, err := s.GetToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, token.UserID, got.UserID)
	assert.Equal(t, token.Scopes, got.Scopes)
	assert.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, time.Second)

	require.NoError(t, s.DeleteToken(ctx, token.AccessToken))
	_, err = s.GetToken(ctx, token.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetToken(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAuthCodes(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	challenge, _ := testutil.GeneratePKCEPair()
	code := testutil.GenerateTestAuthCode(challenge)
	require.NoError(t, s.SetAuthCode(ctx, code))

	got, err := s.GetAuthCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, challenge, got.CodeChallenge)

	consumed, err := s.ConsumeAuthCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.UserID, consumed.UserID)
	assert.Equal(t, code.RedirectURI, consumed.RedirectURI)

	_, err = s.ConsumeAuthCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound, "second consume must fail")

	_, err = s.GetAuthCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	other := testutil.GenerateTestAuthCode("")
	require.NoError(t, s.SetAuthCode(ctx, other))
	require.NoError(t, s.DeleteAuthCode(ctx, other.Code))
	_, err = s.ConsumeAuthCode(ctx, other.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeConcurrent(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	code := testutil.GenerateTestAuthCode("")
	require.NoError(t, s.SetAuthCode(ctx, code))

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		notFound  atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ConsumeAuthCode(ctx, code.Code)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one consume must succeed")
	assert.Equal(t, int32(workers-1), notFound.Load())
}

func testUsers(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	google := testutil.GenerateTestUser("google", "12345")
	github := testutil.GenerateTestUser("github", "12345")
	require.NoError(t, s.SetUser(ctx, google))
	require.NoError(t, s.SetUser(ctx, github))

	got, err := s.GetUser(ctx, "google:12345")
	require.NoError(t, err)
	assert.Equal(t, "google", got.Provider)

	got, err = s.GetUser(ctx, "github:12345")
	require.NoError(t, err)
	assert.Equal(t, "github", got.Provider, "same subject on different providers must not collide")

	require.NoError(t, s.DeleteUser(ctx, "google:12345"))
	_, err = s.GetUser(ctx, "google:12345")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testItemTTL(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	require.NoError(t, s.SetItem(ctx, "state:abc", []byte(`{"client_id":"c1"}`), 10*time.Second))

	for _, step := range []time.Duration{0, 3 * time.Second, 6 * time.Second} {
		h.Advance(step)
		got, err := s.GetItem(ctx, "state:abc")
		require.NoError(t, err, "item must be readable before its TTL")
		assert.JSONEq(t, `{"client_id":"c1"}`, string(got))
	}

	h.Advance(2 * time.Second)
	_, err := s.GetItem(ctx, "state:abc")
	assert.ErrorIs(t, err, storage.ErrNotFound, "item must be gone after its TTL")

	_, err = s.GetItem(ctx, "state:abc")
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired item must stay gone")
}

func testItemNoTTL(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	require.NoError(t, s.SetItem(ctx, "session", []byte("payload"), 0))
	h.Advance(48 * time.Hour)

	got, err := s.GetItem(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	require.NoError(t, s.DeleteItem(ctx, "session"))
	_, err = s.GetItem(ctx, "session")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeItemConcurrent(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	require.NoError(t, s.SetItem(ctx, "state:xyz", []byte("pending"), time.Minute))

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		notFound  atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := s.ConsumeItem(ctx, "state:xyz")
			switch {
			case err == nil && string(got) == "pending":
				successes.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one consume must succeed")
	assert.Equal(t, int32(workers-1), notFound.Load())

	_, err := s.GetItem(ctx, "state:xyz")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeItemExpired(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	require.NoError(t, s.SetItem(ctx, "state:old", []byte("pending"), time.Second))
	h.Advance(2 * time.Second)

	_, err := s.ConsumeItem(ctx, "state:old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClear(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	require.NoError(t, s.SetClient(ctx, testutil.GeneratePublicClient("c1")))
	require.NoError(t, s.SetUser(ctx, testutil.GenerateTestUser("google", "1")))
	require.NoError(t, s.SetItem(ctx, "k", []byte("v"), time.Minute))

	require.NoError(t, s.Clear(ctx))

	_, err := s.GetClient(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUser(ctx, "google:1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetItem(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testIsolation(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	// the same key in different categories must not collide
	const key = "shared-key"
	require.NoError(t, s.SetClient(ctx, testutil.GeneratePublicClient(key)))
	require.NoError(t, s.SetItem(ctx, key, []byte("item"), 0))

	got, err := s.GetItem(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "item", string(got))

	c, err := s.GetClient(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, c.ClientID)

	// returned values are copies
	c.RedirectURIs[0] = "https://evil.example.com"
	c2, err := s.GetClient(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, "https://evil.example.com", c2.RedirectURIs[0], fmt.Sprintf("%s returned shared state", key))
}
