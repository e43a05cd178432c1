package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
)

func TestServer_AuthorizationCodeFlow(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	authURL, err := env.srv.StartAuthorization(ctx, env.authorizationRequest(challenge))
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	upstream, _ := url.Parse(authURL)
	if got := upstream.Query().Get("code_challenge"); got == "" || got == challenge {
		t.Errorf("upstream challenge = %q, want our own challenge distinct from the client's", got)
	}

	redirect := env.callback(t, upstream.Query().Get("state"))
	if redirect.Host != "app.example.com" || redirect.Path != "/callback" {
		t.Errorf("redirect = %s, want the client's redirect URI", redirect)
	}
	if got := redirect.Query().Get("state"); got != "abc" {
		t.Errorf("redirect state = %q, want abc", got)
	}
	code := redirect.Query().Get("code")

	resp, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: verifier,
		Resource:     testBaseURL,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d", resp.ExpiresIn)
	}
	if resp.Scope != "mcp" {
		t.Errorf("Scope = %q, want the default scope", resp.Scope)
	}
	if resp.Resource != testBaseURL {
		t.Errorf("Resource = %q", resp.Resource)
	}

	token, err := env.store.GetToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("issued token not stored: %v", err)
	}
	if token.UserID != "mock:mock-user" {
		t.Errorf("UserID = %q", token.UserID)
	}
	if token.Email != "mock@example.com" {
		t.Errorf("Email = %q", token.Email)
	}
	if !token.ExpiresAt.Equal(env.clock.Now().Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", token.ExpiresAt)
	}

	user, err := env.store.GetUser(ctx, "mock:mock-user")
	if err != nil {
		t.Fatalf("user not stored: %v", err)
	}
	if user.Provider != "mock" {
		t.Errorf("user provider = %q", user.Provider)
	}
}

func TestServer_UpstreamUsesServerVerifier(t *testing.T) {
	env := setupTestServer(t)
	challenge, clientVerifier := testutil.GeneratePKCEPair()

	var exchanged string
	env.provider.ExchangeCodeFunc = func(_ context.Context, code, verifier string) (*oauth2.Token, error) {
		exchanged = verifier
		return &oauth2.Token{AccessToken: "upstream"}, nil
	}

	env.issueCode(t, challenge)

	sent := env.provider.Verifiers()
	if len(sent) != 1 {
		t.Fatalf("AuthorizationURL called %d times", len(sent))
	}
	if exchanged != sent[0] {
		t.Error("upstream exchange must use the verifier generated at /authorize")
	}
	if exchanged == clientVerifier {
		t.Error("client verifier must never be forwarded upstream")
	}
}

func TestServer_PKCEMismatch(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge)

	_, wrong := testutil.GeneratePKCEPair()
	_, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: wrong,
	}, "")
	assertErrorCode(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)

	// the failed attempt burned the code
	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: verifier,
	}, "")
	assertErrorCode(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestServer_MissingVerifier(t *testing.T) {
	env := setupTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge)

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		GrantType: GrantTypeAuthorizationCode,
		Code:      code,
	}, "")
	assertErrorCode(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestServer_CodeReuseRevokesToken(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge)

	req := TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier}
	resp, err := env.srv.ExchangeAuthorizationCode(ctx, req, "")
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	_, err = env.srv.ExchangeAuthorizationCode(ctx, req, "")
	assertErrorCode(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)

	if _, err := env.store.GetToken(ctx, resp.AccessToken); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("token issued for a replayed code must be revoked, got %v", err)
	}
}

func TestServer_ConcurrentExchange(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		grants    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				CodeVerifier: verifier,
			}, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if AsError(err).Code == ErrorCodeInvalidGrant {
				grants++
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if grants != workers-1 {
		t.Errorf("invalid_grant = %d, want %d", grants, workers-1)
	}
}

func TestStartAuthorization_Errors(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name       string
		mutate     func(*AuthorizationRequest)
		setup      func(*testEnv)
		wantCode   string
		wantStatus int
	}{
		{
			name:     "unsupported response type",
			mutate:   func(r *AuthorizationRequest) { r.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing client_id",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing state",
			mutate:   func(r *AuthorizationRequest) { r.State = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:       "resource mismatch",
			mutate:     func(r *AuthorizationRequest) { r.Resource = "https://other.example.com" },
			wantCode:   ErrorCodeInvalidResource,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "nobody" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing PKCE",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = ""; r.CodeChallengeMethod = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain PKCE",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "malformed challenge",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = "short" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported scope",
			mutate:   func(r *AuthorizationRequest) { r.Scope = "mcp delete:everything" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "unknown provider",
			mutate:   func(r *AuthorizationRequest) { r.Provider = "gitlab" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:       "provider without credentials",
			mutate:     func(r *AuthorizationRequest) { r.Provider = "google" },
			setup:      func(e *testEnv) { e.registry.MarkUnconfigured("google") },
			wantCode:   ErrorCodeProviderNotConfigured,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			req := env.authorizationRequest(challenge)
			tt.mutate(&req)

			_, err := env.srv.StartAuthorization(context.Background(), req)
			assertErrorCode(t, err, tt.wantCode, tt.wantStatus)
		})
	}
}

func TestStartAuthorization_OptionalPKCE(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, func(c *Config) { c.RequirePKCE = false })

	req := env.authorizationRequest("")
	req.CodeChallengeMethod = ""
	redirect := env.callback(t, env.authorize(t, req))

	resp, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType: GrantTypeAuthorizationCode,
		Code:      redirect.Query().Get("code"),
	}, "")
	if err != nil {
		t.Fatalf("exchange without PKCE error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("expected an access token")
	}
}

func TestStartAuthorization_SingleRedirectURIDefault(t *testing.T) {
	env := setupTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	req := env.authorizationRequest(challenge)
	req.RedirectURI = ""
	redirect := env.callback(t, env.authorize(t, req))
	if !strings.HasPrefix(redirect.String(), testRedirectURI) {
		t.Errorf("redirect = %s, want the single registered URI", redirect)
	}
}

func TestHandleCallback_Errors(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name       string
		setup      func(t *testing.T, e *testEnv) CallbackRequest
		wantCode   string
		wantStatus int
	}{
		{
			name: "missing state",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				return CallbackRequest{Provider: "mock", Code: "x"}
			},
			wantCode:   ErrorCodeInvalidState,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown state",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				return CallbackRequest{Provider: "mock", State: "forged", Code: "x"}
			},
			wantCode:   ErrorCodeInvalidState,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "expired state",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				state := e.authorize(t, e.authorizationRequest(challenge))
				e.clock.Advance(DefaultStateTTL + time.Second)
				return CallbackRequest{Provider: "mock", State: state, Code: "x"}
			},
			wantCode: ErrorCodeInvalidState,
		},
		{
			name: "provider mismatch",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				state := e.authorize(t, e.authorizationRequest(challenge))
				return CallbackRequest{Provider: "github", State: state, Code: "x"}
			},
			wantCode:   ErrorCodeStateMismatch,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "missing code",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				state := e.authorize(t, e.authorizationRequest(challenge))
				return CallbackRequest{Provider: "mock", State: state}
			},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "upstream exchange failure",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				e.provider.ExchangeCodeFunc = func(context.Context, string, string) (*oauth2.Token, error) {
					return nil, errors.New("upstream said: client_secret=hunter2 is wrong")
				}
				state := e.authorize(t, e.authorizationRequest(challenge))
				return CallbackRequest{Provider: "mock", State: state, Code: "x"}
			},
			wantCode:   ErrorCodeCallbackError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "upstream userinfo failure",
			setup: func(t *testing.T, e *testEnv) CallbackRequest {
				e.provider.UserInfoFunc = func(context.Context, *oauth2.Token) (*providers.UserInfo, error) {
					return nil, context.DeadlineExceeded
				}
				state := e.authorize(t, e.authorizationRequest(challenge))
				return CallbackRequest{Provider: "mock", State: state, Code: "x"}
			},
			wantCode:   ErrorCodeCallbackError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			req := tt.setup(t, env)

			_, err := env.srv.HandleCallback(context.Background(), req)
			assertErrorCode(t, err, tt.wantCode, tt.wantStatus)
			if oerr := AsError(err); strings.Contains(oerr.Description, "hunter2") {
				t.Errorf("description leaks upstream details: %q", oerr.Description)
			}
		})
	}
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	env := setupTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	state := env.authorize(t, env.authorizationRequest(challenge))
	env.callback(t, state)

	_, err := env.srv.HandleCallback(context.Background(), CallbackRequest{Provider: "mock", State: state, Code: "again"})
	assertErrorCode(t, err, ErrorCodeInvalidState, http.StatusBadRequest)
}

// slowItemStore widens the window between reading and removing an item, as
// a network round trip to a shared store would.
type slowItemStore struct {
	*memory.Store
	delay time.Duration
}

func (s slowItemStore) GetItem(ctx context.Context, key string) ([]byte, error) {
	time.Sleep(s.delay)
	return s.Store.GetItem(ctx, key)
}

func (s slowItemStore) ConsumeItem(ctx context.Context, key string) ([]byte, error) {
	time.Sleep(s.delay)
	return s.Store.ConsumeItem(ctx, key)
}

func TestHandleCallback_ConcurrentSameState(t *testing.T) {
	env := setupTestServer(t)
	env.srv.store = slowItemStore{Store: env.store, delay: 50 * time.Millisecond}
	challenge, _ := testutil.GeneratePKCEPair()
	state := env.authorize(t, env.authorizationRequest(challenge))

	const workers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.srv.HandleCallback(context.Background(), CallbackRequest{
				Provider: "mock",
				State:    state,
				Code:     "upstream-code",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if AsError(err).Code == ErrorCodeInvalidState {
				invalid++
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if invalid != workers-1 {
		t.Errorf("invalid_state = %d, want %d", invalid, workers-1)
	}
}

func TestHandleCallback_UpstreamDenied(t *testing.T) {
	env := setupTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	state := env.authorize(t, env.authorizationRequest(challenge))

	redirect, err := env.srv.HandleCallback(context.Background(), CallbackRequest{
		Provider: "mock",
		State:    state,
		Error:    "access_denied",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	u, _ := url.Parse(redirect)
	if got := u.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("error = %q", got)
	}
	if got := u.Query().Get("state"); got != "abc" {
		t.Errorf("state = %q", got)
	}
	if u.Query().Get("code") != "" {
		t.Error("denied callback must not carry a code")
	}
}

func TestHandleCallback_UnverifiedEmailNotPropagated(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	env.provider.UserInfoFunc = func(context.Context, *oauth2.Token) (*providers.UserInfo, error) {
		return &providers.UserInfo{Subject: "7", Email: "admin@example.com", EmailVerified: false}, nil
	}
	challenge, _ := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge)

	stored, err := env.store.GetAuthCode(ctx, code)
	if err != nil {
		t.Fatalf("GetAuthCode() error = %v", err)
	}
	if stored.Email != "" {
		t.Errorf("unverified email propagated: %q", stored.Email)
	}
}

func TestExchangeAuthorizationCode_Errors(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name       string
		setup      func(t *testing.T, e *testEnv) TokenRequest
		wantCode   string
		wantStatus int
	}{
		{
			name: "unsupported grant type",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				return TokenRequest{GrantType: "refresh_token", Code: "x"}
			},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name: "missing code",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				return TokenRequest{GrantType: GrantTypeAuthorizationCode}
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown code",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "nope", CodeVerifier: verifier}
			},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "expired code",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				code := e.issueCode(t, challenge)
				e.clock.Advance(DefaultAuthorizationCodeTTL)
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "other client",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				code := e.issueCode(t, challenge)
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier, ClientID: "c2"}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "redirect URI mismatch",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				code := e.issueCode(t, challenge)
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier, RedirectURI: "https://app.example.com/other"}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "resource mismatch",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				code := e.issueCode(t, challenge)
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier, Resource: "https://other.example.com"}
			},
			wantCode: ErrorCodeInvalidResource,
		},
		{
			name: "confidential client without secret",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				confidential := testutil.GenerateConfidentialClient(testClientID, testRedirectURI)
				if err := e.store.SetClient(context.Background(), confidential); err != nil {
					t.Fatal(err)
				}
				code := e.issueCode(t, challenge)
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier}
			},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "confidential client with wrong secret",
			setup: func(t *testing.T, e *testEnv) TokenRequest {
				confidential := testutil.GenerateConfidentialClient(testClientID, testRedirectURI)
				if err := e.store.SetClient(context.Background(), confidential); err != nil {
					t.Fatal(err)
				}
				code := e.issueCode(t, challenge)
				return TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier, ClientSecret: "wrong"}
			},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			req := tt.setup(t, env)

			_, err := env.srv.ExchangeAuthorizationCode(context.Background(), req, "")
			assertErrorCode(t, err, tt.wantCode, tt.wantStatus)
		})
	}
}

func TestExchangeAuthorizationCode_ConfidentialClient(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	if err := env.store.SetClient(ctx, testutil.GenerateConfidentialClient(testClientID, testRedirectURI)); err != nil {
		t.Fatal(err)
	}
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.issueCode(t, challenge)

	_, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     testClientID,
		ClientSecret: testutil.TestClientSecret,
		CodeVerifier: verifier,
	}, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
}

func TestExchangeAuthorizationCode_PrivilegedScope(t *testing.T) {
	tests := []struct {
		name      string
		email     string
		verified  bool
		wantScope string
	}{
		{name: "admin", email: "admin@example.com", verified: true, wantScope: "admin mcp"},
		{name: "admin case-insensitive", email: "Admin@Example.com", verified: true, wantScope: "admin mcp"},
		{name: "regular user", email: "user@example.com", verified: true, wantScope: "mcp"},
		{name: "unverified admin address", email: "admin@example.com", verified: false, wantScope: "mcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			env.provider.UserInfoFunc = func(context.Context, *oauth2.Token) (*providers.UserInfo, error) {
				return &providers.UserInfo{Subject: "1", Email: tt.email, EmailVerified: tt.verified}, nil
			}
			challenge, verifier := testutil.GeneratePKCEPair()

			req := env.authorizationRequest(challenge)
			req.Scope = "admin mcp"
			redirect := env.callback(t, env.authorize(t, req))

			resp, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         redirect.Query().Get("code"),
				CodeVerifier: verifier,
			}, "")
			if err != nil {
				t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
			}
			if resp.Scope != tt.wantScope {
				t.Errorf("Scope = %q, want %q", resp.Scope, tt.wantScope)
			}
		})
	}
}
