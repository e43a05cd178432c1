package security

import (
	"net/http"
	"strings"
)

// oauthResponseHeaders apply to every OAuth endpoint response. The endpoints only
// return JSON or redirects, so the content policy denies everything.
var oauthResponseHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
	"Pragma":                  "no-cache",
}

// SetSecurityHeaders sets hardening headers on OAuth responses. HSTS is added
// only when the server is served over https.
func SetSecurityHeaders(w http.ResponseWriter, baseURL string) {
	h := w.Header()
	for k, v := range oauthResponseHeaders {
		h.Set(k, v)
	}
	if strings.HasPrefix(baseURL, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
