package util

import "net"

// IPClassification is the security classification of an IP address, used
// when screening redirect URI hosts.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified address (0.0.0.0, ::).
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of an IP address. Redirect
// URI screening treats the classes differently: loopback hosts are allowed
// for native apps per RFC 8252 section 7.3, link-local hosts are refused
// because 169.254.169.254 is the cloud metadata service, and unspecified
// addresses are always refused.
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil {
		return IPClassificationUnspecified
	}

	if ip.IsUnspecified() {
		return IPClassificationUnspecified
	}

	if ip.IsLoopback() {
		return IPClassificationLoopback
	}

	if IsLinkLocal(ip) {
		return IPClassificationLinkLocal
	}

	// RFC 1918 for IPv4, fc00::/7 for IPv6
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}

	return IPClassificationPublic
}

// IsLinkLocal checks if an IP address is link-local, unicast or multicast:
// 169.254.0.0/16, fe80::/10, ff02::/16. The IPv4 range contains the cloud
// metadata service address, which is why redirect hosts in it are refused.
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal reports whether an IP is anything other than publicly
// routable: private, loopback, link-local, or unspecified.
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

// IsLoopbackHostname checks if a hostname represents a loopback address:
// "localhost", anything in 127.0.0.0/8, or IPv6 ::1. Expects the hostname
// without a port, as returned by url.URL.Hostname(). 0.0.0.0 is not
// loopback; it classifies as unspecified.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	// url.URL.Hostname() strips brackets, but accept them anyway
	cleaned := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleaned = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleaned); ip != nil {
		return ip.IsLoopback()
	}

	return false
}
