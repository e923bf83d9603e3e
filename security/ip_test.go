package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func forwardedRequest(remoteAddr, xff, realIP string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	if realIP != "" {
		req.Header.Set("X-Real-IP", realIP)
	}
	return req
}

// Forwarding headers are attacker-controlled unless a trusted proxy strips
// or appends them, so without proxy trust they must be ignored outright.
func TestGetClientIP_UntrustedHeadersIgnored(t *testing.T) {
	req := forwardedRequest("198.51.100.7:49152", "1.2.3.4", "5.6.7.8")

	if got := GetClientIP(req, false, 0); got != "198.51.100.7" {
		t.Errorf("GetClientIP() = %q, want connection address %q", got, "198.51.100.7")
	}
}

func TestGetClientIP_TrustedChainSelection(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		proxyCount int
		want       string
	}{
		{
			name:       "single hop",
			xff:        "203.0.113.9, 10.0.0.2",
			proxyCount: 1,
			want:       "203.0.113.9",
		},
		{
			// The entries left of our proxies were written by the caller;
			// the client is whatever OUR first proxy saw, not the start of
			// the chain
			name:       "attacker-prepended entries skipped",
			xff:        "7.7.7.7, 203.0.113.9, 10.0.0.2",
			proxyCount: 1,
			want:       "203.0.113.9",
		},
		{
			name:       "two trusted hops",
			xff:        "203.0.113.9, 10.0.0.2, 10.0.0.3",
			proxyCount: 2,
			want:       "203.0.113.9",
		},
		{
			name:       "zero count treated as one hop",
			xff:        "203.0.113.9, 10.0.0.2",
			proxyCount: 0,
			want:       "203.0.113.9",
		},
		{
			name:       "chain shorter than trusted count uses leftmost",
			xff:        "203.0.113.9",
			proxyCount: 4,
			want:       "203.0.113.9",
		},
		{
			name:       "entries with padding whitespace",
			xff:        "  203.0.113.9 ,  10.0.0.2  ",
			proxyCount: 1,
			want:       "203.0.113.9",
		},
		{
			name:       "IPv6 client entry",
			xff:        "2001:db8::1, 10.0.0.2",
			proxyCount: 1,
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := forwardedRequest("10.0.0.1:443", tt.xff, "")
			if got := GetClientIP(req, true, tt.proxyCount); got != tt.want {
				t.Errorf("GetClientIP(xff=%q, count=%d) = %q, want %q",
					tt.xff, tt.proxyCount, got, tt.want)
			}
		})
	}
}

func TestGetClientIP_FallbackOrder(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		want   string
	}{
		{
			name:   "X-Forwarded-For beats X-Real-IP",
			xff:    "203.0.113.9",
			realIP: "203.0.113.50",
			want:   "203.0.113.9",
		},
		{
			name:   "X-Real-IP when no chain",
			realIP: "203.0.113.50",
			want:   "203.0.113.50",
		},
		{
			name:   "garbage chain entry falls through to X-Real-IP",
			xff:    "not-an-address",
			realIP: "203.0.113.50",
			want:   "203.0.113.50",
		},
		{
			name: "no headers falls back to connection",
			want: "10.0.0.1",
		},
		{
			name:   "garbage everywhere falls back to connection",
			xff:    "zz",
			realIP: "zz",
			want:   "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := forwardedRequest("10.0.0.1:443", tt.xff, tt.realIP)
			if got := GetClientIP(req, true, 1); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetClientIP_RemoteAddrForms(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"host and port", "192.0.2.4:61000", "192.0.2.4"},
		{"bracketed IPv6", "[2001:db8::42]:61000", "2001:db8::42"},
		{"loopback IPv6", "[::1]:8080", "::1"},
		{"portless value kept for logging", "192.0.2.4", "192.0.2.4"},
		{"unparseable value kept for logging", "pipe", "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := forwardedRequest(tt.remoteAddr, "", "")
			if got := GetClientIP(req, false, 0); got != tt.want {
				t.Errorf("GetClientIP(remoteAddr=%q) = %q, want %q", tt.remoteAddr, got, tt.want)
			}
		})
	}
}
