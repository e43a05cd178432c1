package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authz "github.com/giantswarm/mcp-authz"
	"github.com/giantswarm/mcp-authz/internal/testutil"
	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/ratelimit"
)

func testServeConfig(t *testing.T) *serveConfig {
	t.Helper()
	policy := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte(`
public: ["/healthz"]
operations:
  echo:
    required: ["mcp"]
  whoami:
    anyOf: ["mcp", "read"]
default:
  required: ["mcp"]
`), 0o600))

	return &serveConfig{
		BaseURL:          "https://mcp.example.com",
		PolicyPath:       policy,
		Storage:          storageConfig{Backend: backendMemory},
		RateLimit:        ratelimit.DefaultConfig(),
		RateLimitCounter: backendMemory,
		Providers: []providers.Config{
			{Kind: providers.KindGitHub, ClientID: "id", ClientSecret: "secret"},
		},
		RequirePKCE:             true,
		AllowPublicRegistration: true,
	}
}

func newTestRouter(t *testing.T, cfg *serveConfig) (http.Handler, *authz.Handler) {
	t.Helper()
	h, cleanup, err := newHandler(context.Background(), cfg, nil, slog.Default())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return newRouter(h), h
}

func TestRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t, testServeConfig(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestRouter_Discovery(t *testing.T) {
	router, _ := newTestRouter(t, testServeConfig(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, authz.AuthorizationServerMetadataPath, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var meta authz.AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(w.Body).Decode(&meta))
	assert.Equal(t, "https://mcp.example.com", meta.Issuer)
	assert.Equal(t, "https://mcp.example.com/token", meta.TokenEndpoint)
}

func TestRouter_AuthorizeRedirectsToProvider(t *testing.T) {
	router, h := newTestRouter(t, testServeConfig(t))
	client := testutil.GeneratePublicClient("c1")
	require.NoError(t, h.Server().Store().SetClient(context.Background(), client))

	target := "/authorize?" + strings.Join([]string{
		"response_type=code",
		"client_id=c1",
		"redirect_uri=" + client.RedirectURIs[0],
		"state=xyz",
		"code_challenge=E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		"code_challenge_method=S256",
	}, "&")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	location := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "https://github.com/login/oauth/authorize"), location)
	assert.Contains(t, location, "redirect_uri=https%3A%2F%2Fmcp.example.com%2Fcallback%2Fgithub")
}

func TestRouter_MCPRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, testServeConfig(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "resource_metadata=")
}

func TestRouter_MCPInitialize(t *testing.T) {
	router, h := newTestRouter(t, testServeConfig(t))
	token := testutil.GenerateTestToken("github:1", time.Hour, "mcp")
	require.NoError(t, h.Server().Store().SetToken(context.Background(), token))

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"serverInfo"`)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestTools(t *testing.T) {
	_, h := newTestRouter(t, testServeConfig(t))
	gate := h.ToolMiddleware()

	call := func(ctx context.Context, name string, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := gate(handler)(ctx, req)
		require.NoError(t, err)
		return res
	}
	text := func(res *mcp.CallToolResult) string {
		require.NotEmpty(t, res.Content)
		tc, ok := res.Content[0].(mcp.TextContent)
		require.True(t, ok)
		return tc.Text
	}

	user := authz.ContextWithUserInfo(context.Background(), &authz.UserInfo{UserID: "github:1", Scopes: []string{"mcp"}})

	res := call(user, "echo", handleEcho, map[string]any{"message": "hello"})
	assert.False(t, res.IsError)
	assert.Equal(t, "hello", text(res))

	res = call(user, "echo", handleEcho, map[string]any{})
	assert.True(t, res.IsError)

	res = call(user, "whoami", handleWhoami, nil)
	assert.False(t, res.IsError)
	assert.Contains(t, text(res), `"userId":"github:1"`)

	res = call(context.Background(), "whoami", handleWhoami, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "authentication required")

	reader := authz.ContextWithUserInfo(context.Background(), &authz.UserInfo{UserID: "github:2", Scopes: []string{"files:read"}})
	res = call(reader, "echo", handleEcho, map[string]any{"message": "hello"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "insufficient scope")
}
