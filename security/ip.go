package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP for rate limiting and audit records.
//
// With trustProxy false the connection's RemoteAddr is used unconditionally,
// since any client can write whatever it likes into forwarding headers. With
// trustProxy true, X-Forwarded-For is consulted first and X-Real-IP second.
// trustedProxyCount says how many proxies at the right-hand end of the
// X-Forwarded-For chain are operated by us; entries to their left were
// appended by machines we do not control and cannot be trusted.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// chain. The chain reads "client, proxy1, proxy2, ..." with each proxy
// appending its caller, so with trustedProxyCount trusted hops the client
// sits at index len-trustedProxyCount-1. A count of 0 is treated as 1
// trusted hop; if the chain is shorter than expected the leftmost entry is
// used.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	idx := len(hops) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	return parseIP(strings.TrimSpace(hops[idx]))
}

// parseIP returns s if it is a well-formed IP address, "" otherwise
func parseIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// ipFromRemoteAddr strips the port from a host:port RemoteAddr. Malformed
// values are returned unchanged so the caller still has something to log.
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
