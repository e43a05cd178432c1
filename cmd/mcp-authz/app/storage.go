package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/ratelimit"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/file"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/valkey"
)

// openStore creates and initializes the configured backend. For the valkey
// backend the client is returned as well so the rate limiter can share it.
func openStore(ctx context.Context, cfg storageConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (storage.Store, valkeygo.Client, error) {
	var (
		store  storage.Store
		client valkeygo.Client
	)

	switch cfg.Backend {
	case backendMemory:
		s := memory.New()
		s.SetInstrumentation(inst)
		store = s

	case backendFile:
		s, err := file.New(file.Config{
			Path:                       cfg.FilePath,
			Password:                   cfg.Password,
			Salt:                       cfg.Salt,
			DisableEncryption:          cfg.DisableEncryption,
			Production:                 cfg.Production,
			AllowPlaintextInProduction: cfg.AllowPlaintextInProduction,
			Logger:                     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		s.SetInstrumentation(inst)
		store = s

	case backendValkey:
		enc, err := valkeyEncryptor(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		s, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		s.SetInstrumentation(inst)
		s.SetEncryptor(enc)
		store, client = s, s.Client()

	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}

	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Backend, err)
	}
	return store, client, nil
}

// valkeyEncryptor mirrors the plaintext rules of the file backend. A nil
// encryptor stores values unencrypted.
func valkeyEncryptor(cfg storageConfig, logger *slog.Logger) (*security.Encryptor, error) {
	if cfg.DisableEncryption {
		if cfg.Production && !cfg.AllowPlaintextInProduction {
			return nil, file.ErrPlaintextInProduction
		}
		logger.Warn("⚠️  SECURITY WARNING: Valkey values are stored unencrypted")
		return nil, nil
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("--encryption-password is required unless encryption is disabled")
	}
	return security.NewEncryptorFromPassword(cfg.Password, cfg.Salt)
}

// newCounter returns the rate limit counter. The stop function releases
// resources the counter owns.
func newCounter(cfg *serveConfig, client valkeygo.Client) (ratelimit.Counter, func(), error) {
	if cfg.RateLimitCounter != backendValkey {
		c := ratelimit.NewMemoryCounter(time.Minute)
		return c, c.Stop, nil
	}
	prefix := cfg.Storage.ValkeyPrefix
	if prefix == "" {
		prefix = valkey.DefaultKeyPrefix
	}
	if client != nil {
		return ratelimit.NewValkeyCounter(client, prefix), func() {}, nil
	}
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Storage.ValkeyAddress},
		Password:    cfg.Storage.ValkeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return ratelimit.NewValkeyCounter(client, prefix), client.Close, nil
}
