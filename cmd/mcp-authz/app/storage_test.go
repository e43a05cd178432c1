package app

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/storage/file"
)

func TestOpenStore_Memory(t *testing.T) {
	store, client, err := openStore(context.Background(), storageConfig{Backend: backendMemory}, nil, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.Nil(t, client)

	token := testutil.GenerateTestToken("github:1", time.Hour, "mcp")
	require.NoError(t, store.SetToken(context.Background(), token))
	got, err := store.GetToken(context.Background(), token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "github:1", got.UserID)
}

func TestOpenStore_FileEncrypted(t *testing.T) {
	cfg := storageConfig{
		Backend:  backendFile,
		FilePath: filepath.Join(t.TempDir(), "data.db"),
		Password: "correct horse battery staple",
	}
	ctx := context.Background()

	store, _, err := openStore(ctx, cfg, nil, slog.Default())
	require.NoError(t, err)
	token := testutil.GenerateTestToken("google:1", time.Hour, "mcp")
	require.NoError(t, store.SetToken(ctx, token))
	require.NoError(t, store.Close())

	reopened, _, err := openStore(ctx, cfg, nil, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.GetToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "google:1", got.UserID)

	cfg.Password = "wrong"
	_, _, err = openStore(ctx, cfg, nil, slog.Default())
	assert.Error(t, err, "a different password must not decrypt the file")
}

func TestOpenStore_PlaintextInProduction(t *testing.T) {
	cfg := storageConfig{
		Backend:           backendFile,
		FilePath:          filepath.Join(t.TempDir(), "data.db"),
		DisableEncryption: true,
		Production:        true,
	}

	_, _, err := openStore(context.Background(), cfg, nil, slog.Default())
	assert.True(t, errors.Is(err, file.ErrPlaintextInProduction))

	cfg.AllowPlaintextInProduction = true
	store, _, err := openStore(context.Background(), cfg, nil, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}

func TestValkeyEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		cfg     storageConfig
		wantEnc bool
		wantErr error
	}{
		{"password", storageConfig{Password: "secret"}, true, nil},
		{"disabled", storageConfig{DisableEncryption: true}, false, nil},
		{"disabled in production", storageConfig{DisableEncryption: true, Production: true}, false, file.ErrPlaintextInProduction},
		{"disabled in production with override", storageConfig{DisableEncryption: true, Production: true, AllowPlaintextInProduction: true}, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := valkeyEncryptor(tt.cfg, slog.Default())
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEnc, enc != nil)
		})
	}

	_, err := valkeyEncryptor(storageConfig{}, slog.Default())
	assert.Error(t, err, "a missing password must be rejected")
}

func TestNewCounter_Memory(t *testing.T) {
	counter, stop, err := newCounter(&serveConfig{RateLimitCounter: backendMemory}, nil)
	require.NoError(t, err)
	t.Cleanup(stop)
	assert.IsType(t, &ratelimit.MemoryCounter{}, counter)
}

func TestNewCounter_SharesValkeyClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
		AlwaysRESP2:  true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	counter, stop, err := newCounter(&serveConfig{
		RateLimitCounter: backendValkey,
		Storage:          storageConfig{ValkeyAddress: mr.Addr()},
	}, client)
	require.NoError(t, err)
	t.Cleanup(stop)

	n, _, err := counter.Increment(context.Background(), "burst:user:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists("mcp-authz:ratelimit:burst:user:1"))
}
