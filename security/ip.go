package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's IP address for rate limiting and audit logs.
//
// trustedProxies is the number of reverse proxies in front of the server. When it
// is zero, forwarding headers are ignored and RemoteAddr is used, since the
// headers are caller-controlled. Otherwise the client is taken from
// X-Forwarded-For counting trustedProxies hops from the right, falling back to
// X-Real-IP and then RemoteAddr.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the entry appended by the outermost trusted proxy.
// With "client, p1, p2" and two trusted proxies the client is at index 0.
func fromForwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	idx := len(hops) - trustedProxies
	if idx < 0 {
		idx = 0
	}
	if idx >= len(hops) {
		idx = len(hops) - 1
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
