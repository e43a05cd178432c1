package oidc

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrUnsafeURL is returned for issuer URLs that could leak credentials or
// reach internal hosts.
var ErrUnsafeURL = errors.New("unsafe issuer URL")

const (
	maxUpstreamScopes = 50
	maxScopeLength    = 256
)

// ValidateIssuerURL requires https and rejects address literals that are
// not publicly routable. Host names are not resolved.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}

	switch {
	case u.Scheme != "https":
		return fmt.Errorf("%w: scheme %q, https required", ErrUnsafeURL, u.Scheme)
	case u.Hostname() == "":
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	case u.User != nil:
		return fmt.Errorf("%w: credentials in URL", ErrUnsafeURL)
	}

	if addr, err := netip.ParseAddr(u.Hostname()); err == nil && internalAddr(addr.Unmap()) {
		return fmt.Errorf("%w: %s is not a public address", ErrUnsafeURL, addr)
	}
	return nil
}

func internalAddr(a netip.Addr) bool {
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsUnspecified()
}

// ValidateScopes bounds the scope list sent upstream. Scopes travel
// space-delimited, so an entry must not contain whitespace.
func ValidateScopes(scopes []string) error {
	if len(scopes) > maxUpstreamScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxUpstreamScopes, len(scopes))
	}
	for i, s := range scopes {
		switch {
		case s == "":
			return fmt.Errorf("scope at index %d is empty", i)
		case len(s) > maxScopeLength:
			return fmt.Errorf("scope at index %d exceeds %d characters", i, maxScopeLength)
		case strings.ContainsAny(s, " \t\r\n"):
			return fmt.Errorf("scope %q contains whitespace", s)
		}
	}
	return nil
}
