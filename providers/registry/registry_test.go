package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/providers"
	"github.com/giantswarm/mcp-authz/providers/github"
	"github.com/giantswarm/mcp-authz/providers/google"
	"github.com/giantswarm/mcp-authz/providers/mock"
)

func TestNew(t *testing.T) {
	r, err := New(context.Background(), []providers.Config{
		{Kind: providers.KindGoogle, ClientID: "g", ClientSecret: "s"},
		{Kind: providers.KindGitHub, ClientID: "h", ClientSecret: "s"},
		{Kind: providers.KindCustom, Name: "corp"},
	}, "github", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"github", "google"}, r.Names())
	assert.Equal(t, "github", r.Default())

	p, err := r.Get("google")
	require.NoError(t, err)
	assert.IsType(t, &google.Provider{}, p)

	p, err = r.Get("")
	require.NoError(t, err)
	assert.IsType(t, &github.Provider{}, p)

	_, err = r.Get("corp")
	assert.True(t, errors.Is(err, providers.ErrNotConfigured))

	_, err = r.Get("gitlab")
	assert.True(t, errors.Is(err, providers.ErrUnknownProvider))
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfgs []providers.Config
		def  string
	}{
		{"unknown kind", []providers.Config{{Kind: "gitlab", ClientID: "a", ClientSecret: "b"}}, ""},
		{"duplicate", []providers.Config{{Kind: providers.KindGoogle}, {Kind: providers.KindGoogle}}, ""},
		{"missing default", []providers.Config{{Kind: providers.KindGoogle}}, "github"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfgs, tt.def, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewStatic(t *testing.T) {
	r := NewStatic("", mock.NewProvider("mock"))
	assert.Equal(t, "mock", r.Default())

	r.MarkUnconfigured("google")
	_, err := r.Get("google")
	assert.ErrorIs(t, err, providers.ErrNotConfigured)
}

func TestConfig_WithDefaultRedirect(t *testing.T) {
	cfg := providers.Config{Kind: providers.KindCustom, Name: "corp"}.WithDefaultRedirect("https://mcp.example.com/")
	assert.Equal(t, "https://mcp.example.com/callback/corp", cfg.RedirectURL)

	cfg = providers.Config{Kind: providers.KindGoogle, RedirectURL: "https://other/cb"}.WithDefaultRedirect("https://mcp.example.com")
	assert.Equal(t, "https://other/cb", cfg.RedirectURL)
}
