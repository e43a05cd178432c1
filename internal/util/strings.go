package util

import (
	"strings"

	"golang.org/x/oauth2"
)

// SafeTruncate returns at most maxLen bytes of s. It is used to log a
// recognisable prefix of tokens and codes without the full secret.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that "https://a/" and "https://a"
// compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// RandomToken returns 256 bits of crypto/rand entropy encoded as unpadded
// base64url. oauth2.GenerateVerifier produces exactly that, and its output is
// also a valid PKCE verifier.
func RandomToken() string {
	return oauth2.GenerateVerifier()
}
