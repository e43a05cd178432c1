package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
)

// ============================================================
// Clients
// ============================================================

// SetClient stores or replaces a client. Clients do not expire.
func (s *Store) SetClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.observe(ctx, "set_client", time.Now(), &err)

	if client == nil {
		return fmt.Errorf("client id is required")
	}
	if err := validateKeyLength(client.ClientID, "client id"); err != nil {
		return err
	}
	return s.put(ctx, s.clientKey(client.ClientID), client, 0)
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	defer s.observe(ctx, "get_client", time.Now(), &err)

	var c storage.Client
	if err := s.get(ctx, s.clientKey(clientID), &c); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &c, nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	defer s.observe(ctx, "delete_client", time.Now(), &err)
	return s.del(ctx, s.clientKey(clientID))
}

// ============================================================
// Tokens
// ============================================================

// SetToken stores a token. Its key expires shortly after the token itself.
func (s *Store) SetToken(ctx context.Context, token *storage.Token) (err error) {
	defer s.observe(ctx, "set_token", time.Now(), &err)

	if token == nil {
		return fmt.Errorf("access token is required")
	}
	if err := validateKeyLength(token.AccessToken, "access token"); err != nil {
		return err
	}

	var ttl time.Duration
	if !token.ExpiresAt.IsZero() {
		ttl = max(time.Until(token.ExpiresAt)+expiredTokenGrace, time.Millisecond)
	}
	return s.put(ctx, s.tokenKey(token.AccessToken), token, ttl)
}

// GetToken retrieves a token. A token inside its grace period is returned and
// reports Expired.
func (s *Store) GetToken(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	defer s.observe(ctx, "get_token", time.Now(), &err)

	var t storage.Token
	if err := s.get(ctx, s.tokenKey(accessToken), &t); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &t, nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) (err error) {
	defer s.observe(ctx, "delete_token", time.Now(), &err)
	return s.del(ctx, s.tokenKey(accessToken))
}

// ============================================================
// Authorization Codes
// ============================================================

// SetAuthCode stores a code with a TTL matching its expiry.
func (s *Store) SetAuthCode(ctx context.Context, code *storage.AuthCode) (err error) {
	defer s.observe(ctx, "set_auth_code", time.Now(), &err)

	if code == nil {
		return fmt.Errorf("authorization code is required")
	}
	if err := validateKeyLength(code.Code, "authorization code"); err != nil {
		return err
	}

	var ttl time.Duration
	if !code.ExpiresAt.IsZero() {
		ttl = max(time.Until(code.ExpiresAt), time.Millisecond)
	}
	return s.put(ctx, s.codeKey(code.Code), code, ttl)
}

// GetAuthCode retrieves a code without consuming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (_ *storage.AuthCode, err error) {
	defer s.observe(ctx, "get_auth_code", time.Now(), &err)

	var c storage.AuthCode
	if err := s.get(ctx, s.codeKey(code), &c); err != nil {
		return nil, fmt.Errorf("authorization code: %w", err)
	}
	return &c, nil
}

// DeleteAuthCode removes a code.
func (s *Store) DeleteAuthCode(ctx context.Context, code string) (err error) {
	defer s.observe(ctx, "delete_auth_code", time.Now(), &err)
	return s.del(ctx, s.codeKey(code))
}

// ConsumeAuthCode atomically reads and deletes a code using a Lua script.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (_ *storage.AuthCode, err error) {
	defer s.observe(ctx, "consume_auth_code", time.Now(), &err)

	raw, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGetAndDelete).Numkeys(1).Key(s.codeKey(code)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var c storage.AuthCode
	if err := s.decode(raw, &c); err != nil {
		return nil, fmt.Errorf("authorization code: %w", err)
	}
	return &c, nil
}

// ============================================================
// Users
// ============================================================

// SetUser stores or replaces a user.
func (s *Store) SetUser(ctx context.Context, user *storage.User) (err error) {
	defer s.observe(ctx, "set_user", time.Now(), &err)

	if user == nil {
		return fmt.Errorf("user id is required")
	}
	if err := validateKeyLength(user.ID, "user id"); err != nil {
		return err
	}
	return s.put(ctx, s.userKey(user.ID), user, 0)
}

// GetUser retrieves a user by provider-qualified ID.
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	defer s.observe(ctx, "get_user", time.Now(), &err)

	var u storage.User
	if err := s.get(ctx, s.userKey(userID), &u); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, userID string) (err error) {
	defer s.observe(ctx, "delete_user", time.Now(), &err)
	return s.del(ctx, s.userKey(userID))
}

// ============================================================
// Items
// ============================================================

// SetItem stores raw bytes with native TTL. A non-positive ttl means no expiry.
func (s *Store) SetItem(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer s.observe(ctx, "set_item", time.Now(), &err)

	if err := validateKeyLength(key, "item key"); err != nil {
		return err
	}
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.setRaw(ctx, s.itemKey(key), sealed, ttl)
}

// GetItem retrieves an item. Expiry is enforced by Valkey.
func (s *Store) GetItem(ctx context.Context, key string) (_ []byte, err error) {
	defer s.observe(ctx, "get_item", time.Now(), &err)

	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.itemKey(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("item: %w", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	data, err := s.open(raw)
	if err != nil {
		return nil, fmt.Errorf("item: %w: %v", storage.ErrCorrupted, err)
	}
	return data, nil
}

// ConsumeItem atomically reads and deletes an item with the same Lua script
// as ConsumeAuthCode.
func (s *Store) ConsumeItem(ctx context.Context, key string) (_ []byte, err error) {
	defer s.observe(ctx, "consume_item", time.Now(), &err)

	raw, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGetAndDelete).Numkeys(1).Key(s.itemKey(key)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("item: %w", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume item: %w", err)
	}
	data, err := s.open(raw)
	if err != nil {
		return nil, fmt.Errorf("item: %w: %v", storage.ErrCorrupted, err)
	}
	return data, nil
}

// DeleteItem removes an item.
func (s *Store) DeleteItem(ctx context.Context, key string) (err error) {
	defer s.observe(ctx, "delete_item", time.Now(), &err)
	return s.del(ctx, s.itemKey(key))
}

// ============================================================
// Helpers
// ============================================================

func (s *Store) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := s.encode(v)
	if err != nil {
		return err
	}
	return s.setRaw(ctx, key, data, ttl)
}

// setRaw stores value with a millisecond TTL. A positive ttl below one
// millisecond is rounded up, since PX 0 is rejected by the server.
func (s *Store) setRaw(ctx context.Context, key, value string, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		ttl = max(ttl, time.Millisecond)
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Px(ttl).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to read value: %w", err)
	}
	return s.decode(raw, v)
}

func (s *Store) del(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}
