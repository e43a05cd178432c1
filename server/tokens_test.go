package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
)

func TestValidateToken(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	now := env.clock.Now()
	token := &storage.Token{
		AccessToken: "tok-1",
		UserID:      "mock:1",
		Scopes:      []string{"mcp"},
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := env.store.SetToken(ctx, token); err != nil {
		t.Fatal(err)
	}

	got, err := env.srv.ValidateToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if got.UserID != "mock:1" {
		t.Errorf("UserID = %q", got.UserID)
	}

	_, err = env.srv.ValidateToken(ctx, "unknown")
	assertErrorCode(t, err, ErrorCodeInvalidToken, http.StatusUnauthorized)

	_, err = env.srv.ValidateToken(ctx, "")
	assertErrorCode(t, err, ErrorCodeInvalidToken, http.StatusUnauthorized)
}

func TestValidateToken_ExpiredIsDeleted(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	now := env.clock.Now()
	if err := env.store.SetToken(ctx, &storage.Token{
		AccessToken: "tok-exp",
		UserID:      "mock:1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(time.Minute)

	_, err := env.srv.ValidateToken(ctx, "tok-exp")
	assertErrorCode(t, err, ErrorCodeInvalidToken, http.StatusUnauthorized)

	if _, err := env.store.GetToken(ctx, "tok-exp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired token must be deleted on detection, got %v", err)
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) must be nil")
	}

	plain := errors.New("disk on fire")
	oerr := AsError(plain)
	if oerr.Code != ErrorCodeServerError || oerr.Status != http.StatusInternalServerError {
		t.Errorf("AsError(plain) = %+v", oerr)
	}
	if oerr.Description == plain.Error() {
		t.Error("internal error text must not become the description")
	}
	if !errors.Is(oerr, plain) {
		t.Error("cause must stay reachable through Unwrap")
	}

	wrapped := ErrInvalidGrant("bad").Wrap(plain)
	if AsError(wrapped) != wrapped {
		t.Error("protocol errors must pass through unchanged")
	}
}
