package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		trustProxy bool
		proxyCount int
		want       string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "xff ignored without trust", remoteAddr: "10.0.0.1:1", xff: "203.0.113.1", want: "10.0.0.1"},
		{name: "xff with one proxy", remoteAddr: "10.0.0.1:1", xff: "203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "xff with two proxies", remoteAddr: "10.0.0.1:1", xff: "203.0.113.1, 10.0.0.3, 10.0.0.2", trustProxy: true, proxyCount: 2, want: "203.0.113.1"},
		{name: "spoofed leftmost entry skipped", remoteAddr: "10.0.0.1:1", xff: "6.6.6.6, 203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "more proxies than entries", remoteAddr: "10.0.0.1:1", xff: "203.0.113.1", trustProxy: true, proxyCount: 5, want: "203.0.113.1"},
		{name: "invalid xff falls back to x-real-ip", remoteAddr: "10.0.0.1:1", xff: "garbage", xRealIP: "203.0.113.9", trustProxy: true, want: "203.0.113.9"},
		{name: "invalid headers fall back to remote", remoteAddr: "10.0.0.1:1", xff: "garbage", xRealIP: "nope", trustProxy: true, want: "10.0.0.1"},
		{name: "ipv6 remote", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "malformed remote", remoteAddr: "malformed", want: "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(req, tt.trustProxy, tt.proxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
