package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xForwardedFor  string
		xRealIP        string
		trustedProxies int
		want           string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:          "forwarded header ignored without trusted proxies",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			want:          "10.0.0.1",
		},
		{
			name:           "one trusted proxy",
			remoteAddr:     "10.0.0.1:12345",
			xForwardedFor:  "203.0.113.1",
			trustedProxies: 1,
			want:           "203.0.113.1",
		},
		{
			name:           "spoofed prefix skipped",
			remoteAddr:     "10.0.0.1:12345",
			xForwardedFor:  "6.6.6.6, 203.0.113.1",
			trustedProxies: 1,
			want:           "203.0.113.1",
		},
		{
			name:           "two trusted proxies",
			remoteAddr:     "10.0.0.1:12345",
			xForwardedFor:  "203.0.113.1, 10.0.0.2",
			trustedProxies: 2,
			want:           "203.0.113.1",
		},
		{
			name:           "more proxies than hops",
			remoteAddr:     "10.0.0.1:12345",
			xForwardedFor:  "203.0.113.1",
			trustedProxies: 3,
			want:           "203.0.113.1",
		},
		{
			name:           "X-Real-IP fallback",
			remoteAddr:     "10.0.0.1:12345",
			xRealIP:        "203.0.113.9",
			trustedProxies: 1,
			want:           "203.0.113.9",
		},
		{
			name:           "invalid forwarded value",
			remoteAddr:     "10.0.0.1:12345",
			xForwardedFor:  "not-an-ip",
			trustedProxies: 1,
			want:           "10.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "10.0.0.5",
			want:       "10.0.0.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := ClientIP(r, tt.trustedProxies); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
