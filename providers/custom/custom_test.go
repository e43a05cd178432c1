package custom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/providers"
)

func TestProvider_FieldMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"user":{"id":42,"mail":"x@corp.example","verified":"true","profile":{"display":"X"}}}}`))
	}))
	defer srv.Close()

	p, err := NewProvider(context.Background(), providers.Config{
		Kind:         providers.KindCustom,
		Name:         "corp",
		ClientID:     "id",
		ClientSecret: "secret",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/me",
		Fields: providers.Fields{
			Subject:       "data.user.id",
			Email:         "data.user.mail",
			EmailVerified: "data.user.verified",
			Name:          "data.user.profile.display",
		},
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "corp", p.Name())

	info, err := p.UserInfo(context.Background(), &oauth2.Token{AccessToken: "t"})
	require.NoError(t, err)
	assert.Equal(t, "42", info.Subject)
	assert.Equal(t, "x@corp.example", info.Email)
	assert.True(t, info.EmailVerified)
	assert.Equal(t, "X", info.Name)
}

func TestProvider_MissingSubject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"email":"x@example.com"}`))
	}))
	defer srv.Close()

	p, err := NewProvider(context.Background(), providers.Config{
		Name: "corp", ClientID: "id", ClientSecret: "secret",
		AuthURL: srv.URL, TokenURL: srv.URL, UserInfoURL: srv.URL,
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)

	_, err = p.UserInfo(context.Background(), &oauth2.Token{AccessToken: "t"})
	assert.Error(t, err)
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  providers.Config
	}{
		{"missing name", providers.Config{ClientID: "id", ClientSecret: "s", AuthURL: "a", TokenURL: "t", UserInfoURL: "u"}},
		{"missing secret", providers.Config{Name: "c", ClientID: "id", AuthURL: "a", TokenURL: "t", UserInfoURL: "u"}},
		{"missing endpoints", providers.Config{Name: "c", ClientID: "id", ClientSecret: "s"}},
		{"insecure issuer", providers.Config{Name: "c", ClientID: "id", ClientSecret: "s", Issuer: "http://127.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(context.Background(), tt.cfg, nil)
			assert.Error(t, err)
		})
	}
}
