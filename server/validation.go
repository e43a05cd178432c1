package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	customSchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

	// RFC 7636 section 4.1: unreserved characters only
	verifierPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)
)

// isLocalhostHostname checks if a hostname refers to the local machine,
// including the whole 127.0.0.0/8 range and ::1.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	clean := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateResource checks an RFC 8707 resource indicator against the
// canonical resource and returns the normalized value. Matching is exact
// except that a loopback resource may differ from the canonical one in
// http versus https alone, unless that relaxation is disabled.
func (s *Server) ValidateResource(resource string) (string, error) {
	canonical := s.Config.Resource()
	if resource == "" {
		return canonical, nil
	}

	u, err := url.Parse(resource)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", ErrInvalidResource("resource must be an absolute URI")
	}
	if u.Fragment != "" {
		return "", ErrInvalidResource("resource must not contain a fragment")
	}

	normalized := util.NormalizeURL(resource)
	if normalized == canonical {
		return canonical, nil
	}
	if !s.Config.DisableLocalhostResourceEquivalence && localhostEquivalent(normalized, canonical) {
		return canonical, nil
	}
	return "", ErrInvalidResource("resource does not match this server")
}

// localhostEquivalent reports whether a and b name the same loopback
// endpoint and differ only in an http/https scheme.
func localhostEquivalent(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	if !isHTTPScheme(ua.Scheme) || !isHTTPScheme(ub.Scheme) {
		return false
	}
	if !isLocalhostHostname(ua.Hostname()) {
		return false
	}
	return ua.Host == ub.Host && ua.Path == ub.Path && ua.RawQuery == ub.RawQuery
}

func isHTTPScheme(s string) bool {
	return s == SchemeHTTP || s == SchemeHTTPS
}

// validateRedirectURIForRegistration rejects redirect URIs that could be
// abused for open redirects or script injection.
func (s *Server) validateRedirectURIForRegistration(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == SchemeHTTPS:
		if u.Host == "" {
			return fmt.Errorf("redirect URI must have a host")
		}
	case scheme == SchemeHTTP:
		if !isLocalhostHostname(u.Hostname()) && !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("http redirect URIs are only allowed for loopback hosts")
		}
	case slices.Contains(DangerousSchemes, scheme):
		return fmt.Errorf("redirect URI scheme %q is not allowed", scheme)
	case !customSchemePattern.MatchString(scheme):
		return fmt.Errorf("invalid redirect URI scheme %q", scheme)
	}
	return nil
}

// resolveRedirectURI returns the redirect URI to use for an authorization
// request. An omitted URI is allowed when the client registered exactly one.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", fmt.Errorf("redirect_uri is required")
	}
	if !slices.Contains(client.RedirectURIs, requested) {
		return "", fmt.Errorf("redirect URI not registered for client")
	}
	return requested, nil
}

// validateCodeChallenge checks the shape of an incoming challenge. Only S256 is accepted.
func validateCodeChallenge(challenge, method string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q (supported: S256)", method)
	}
	// base64url of a SHA-256 digest is always 43 characters
	if len(challenge) != 43 {
		return fmt.Errorf("code_challenge must be 43 characters")
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return fmt.Errorf("code_challenge is not base64url")
	}
	return nil
}

// VerifyPKCE checks verifier against an S256 challenge in constant time.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !verifierPattern.MatchString(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateScopes checks requested scopes against SupportedScopes.
func (s *Server) validateScopes(requested []string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, sc := range requested {
		if !slices.Contains(s.Config.SupportedScopes, sc) {
			return fmt.Errorf("unsupported scope: %s", sc)
		}
	}
	return nil
}
