package server

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/providers/mock"
	"github.com/giantswarm/mcp-authz/providers/registry"
	"github.com/giantswarm/mcp-authz/storage/memory"
)

const (
	testBaseURL     = "https://mcp.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testClientID    = "c1"
)

type testEnv struct {
	srv      *Server
	store    *memory.Store
	provider *mock.Provider
	registry *registry.Registry
	clock    *testutil.MockTime
}

func setupTestServer(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithInterval(0)
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	provider := mock.NewProvider("mock")
	reg := registry.NewStatic("mock", provider)

	config := &Config{
		BaseURL:                       testBaseURL,
		RequirePKCE:                   true,
		AllowPublicClientRegistration: true,
		SupportedScopes:               []string{"mcp", "read", "admin"},
		AdminEmails:                   []string{"admin@example.com"},
	}
	for _, m := range mutate {
		m(config)
	}

	srv, err := New(store, reg, nil, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetClock(clock.Now)

	if err := store.SetClient(context.Background(), testutil.GeneratePublicClient(testClientID, testRedirectURI)); err != nil {
		t.Fatalf("SetClient() error = %v", err)
	}

	return &testEnv{srv: srv, store: store, provider: provider, registry: reg, clock: clock}
}

func (e *testEnv) authorizationRequest(challenge string) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		State:               "abc",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}
}

// authorize runs /authorize and returns the state we sent upstream.
func (e *testEnv) authorize(t *testing.T, req AuthorizationRequest) string {
	t.Helper()
	authURL, err := e.srv.StartAuthorization(context.Background(), req)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid authorization URL %q: %v", authURL, err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("authorization URL %q carries no state", authURL)
	}
	return state
}

// callback completes the upstream leg and returns the client redirect.
func (e *testEnv) callback(t *testing.T, state string) *url.URL {
	t.Helper()
	redirect, err := e.srv.HandleCallback(context.Background(), CallbackRequest{
		Provider: "mock",
		State:    state,
		Code:     "upstream-code",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("invalid redirect %q: %v", redirect, err)
	}
	return u
}

// issueCode runs /authorize and the callback and returns our authorization code.
func (e *testEnv) issueCode(t *testing.T, challenge string) string {
	t.Helper()
	redirect := e.callback(t, e.authorize(t, e.authorizationRequest(challenge)))
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", redirect)
	}
	return code
}

func assertErrorCode(t *testing.T, err error, wantCode string, wantStatus int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	oerr := AsError(err)
	if oerr.Code != wantCode {
		t.Errorf("error code = %q, want %q (%v)", oerr.Code, wantCode, err)
	}
	if wantStatus != 0 && oerr.Status != wantStatus {
		t.Errorf("status = %d, want %d", oerr.Status, wantStatus)
	}
}

func TestNew(t *testing.T) {
	store := memory.NewWithInterval(0)
	defer store.Stop()
	reg := registry.NewStatic("", mock.NewProvider("mock"))

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "https", config: &Config{BaseURL: "https://mcp.example.com"}},
		{name: "http on localhost", config: &Config{BaseURL: "http://localhost:8080"}},
		{name: "http on loopback ip", config: &Config{BaseURL: "http://127.0.0.1:8080"}},
		{name: "missing base URL", config: &Config{}, wantErr: true},
		{name: "http on public host", config: &Config{BaseURL: "http://mcp.example.com"}, wantErr: true},
		{name: "http on public host allowed", config: &Config{BaseURL: "http://mcp.example.com", AllowInsecureHTTP: true}},
		{name: "unknown scheme", config: &Config{BaseURL: "ftp://mcp.example.com"}, wantErr: true},
		{name: "bad resource URL", config: &Config{BaseURL: "https://mcp.example.com", ResourceURL: "not a url"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(store, reg, nil, tt.config, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	env := setupTestServer(t)
	cfg := env.srv.Config

	if cfg.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %v", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %v", cfg.AccessTokenTTL)
	}
	if cfg.StateTTL != DefaultStateTTL {
		t.Errorf("StateTTL = %v", cfg.StateTTL)
	}
	if cfg.UpstreamTimeout != DefaultUpstreamTimeout {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if len(cfg.DefaultScopes) != 1 || cfg.DefaultScopes[0] != "mcp" {
		t.Errorf("DefaultScopes = %v", cfg.DefaultScopes)
	}
	if cfg.Resource() != testBaseURL {
		t.Errorf("Resource() = %q", cfg.Resource())
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	reg := registry.NewStatic("", mock.NewProvider("mock"))
	if _, err := New(nil, reg, nil, &Config{BaseURL: testBaseURL}, nil); err == nil {
		t.Error("expected error for nil store")
	}
	store := memory.NewWithInterval(0)
	defer store.Stop()
	if _, err := New(store, nil, nil, &Config{BaseURL: testBaseURL}, nil); err == nil {
		t.Error("expected error for nil registry")
	}
}
