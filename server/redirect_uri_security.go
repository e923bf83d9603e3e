package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
)

// Redirect URI rejection categories. Bounded set, used as the reason label
// on the rejection metric and in audit details.
const (
	// RedirectURICategoryBlockedScheme indicates a scheme on the blocklist
	// (javascript:, data:, etc.) or a custom scheme that failed validation
	RedirectURICategoryBlockedScheme = "blocked_scheme"
	// RedirectURICategoryPrivateIP indicates a host in private address space
	RedirectURICategoryPrivateIP = "private_ip"
	// RedirectURICategoryLinkLocal indicates a link-local host, which
	// includes the cloud metadata service at 169.254.169.254
	RedirectURICategoryLinkLocal = "link_local"
	// RedirectURICategoryLoopbackNotAllowed indicates a loopback host with
	// DisallowLocalhostRedirectURIs set
	RedirectURICategoryLoopbackNotAllowed = "loopback_not_allowed"
	// RedirectURICategoryHTTPNotAllowed indicates plain HTTP on a
	// non-loopback host
	RedirectURICategoryHTTPNotAllowed = "http_not_allowed"
	// RedirectURICategoryDNSPrivateIP indicates a hostname resolving to
	// private address space (DNS rebinding defense)
	RedirectURICategoryDNSPrivateIP = "dns_resolves_to_private_ip"
	// RedirectURICategoryDNSLinkLocal indicates a hostname resolving to a
	// link-local address
	RedirectURICategoryDNSLinkLocal = "dns_resolves_to_link_local"
	// RedirectURICategoryInvalidFormat indicates a URI that failed to parse
	// or lacks required components
	RedirectURICategoryInvalidFormat = "invalid_format"
	// RedirectURICategoryFragment indicates a URI carrying a fragment,
	// forbidden by RFC 6749 Section 3.1.2
	RedirectURICategoryFragment = "fragment_not_allowed"
	// RedirectURICategoryUnspecified indicates an unspecified address
	// (0.0.0.0 or ::) as host
	RedirectURICategoryUnspecified = "unspecified_address"
)

// RedirectURISecurityError is a redirect URI screening failure. Reason
// holds the internal detail for logs; ClientMessage is the sanitized text
// safe to return to the requester.
type RedirectURISecurityError struct {
	Category      string
	URI           string
	Reason        string
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return fmt.Sprintf("redirect URI rejected (%s): %s", e.Category, e.Reason)
}

// ValidateRedirectURIs screens a set of redirect URIs, as done when seeding
// or registering a client. Returns the first failure encountered.
func (s *Server) ValidateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range uris {
		if err := s.screenRedirectURI(uri); err != nil {
			var secErr *RedirectURISecurityError
			if errors.As(err, &secErr) {
				s.logRedirectURIRejection(secErr)
			}
			return err
		}
	}
	return nil
}

// screenRedirectURI applies the security policy to a single redirect URI:
// scheme blocklist, loopback and private address rules, and optional DNS
// resolution checks. It runs both at client registration and on every
// authorization request, so clients seeded before a policy change cannot
// keep using a now-forbidden URI.
func (s *Server) screenRedirectURI(rawURI string) error {
	parsed, err := url.Parse(rawURI)
	if err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURICategoryInvalidFormat,
			URI:           rawURI,
			Reason:        fmt.Sprintf("parse error: %v", err),
			ClientMessage: "redirect_uri is not a valid URI",
		}
	}
	if parsed.Scheme == "" {
		return &RedirectURISecurityError{
			Category:      RedirectURICategoryInvalidFormat,
			URI:           rawURI,
			Reason:        "missing scheme",
			ClientMessage: "redirect_uri must be an absolute URI",
		}
	}
	if parsed.Fragment != "" {
		return &RedirectURISecurityError{
			Category:      RedirectURICategoryFragment,
			URI:           rawURI,
			Reason:        "fragment component present",
			ClientMessage: "redirect_uri must not contain a fragment",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if scheme == strings.ToLower(blocked) {
			return &RedirectURISecurityError{
				Category:      RedirectURICategoryBlockedScheme,
				URI:           rawURI,
				Reason:        fmt.Sprintf("scheme %q is blocked", scheme),
				ClientMessage: "redirect_uri scheme is not allowed",
			}
		}
	}

	switch scheme {
	case SchemeHTTPS:
		return s.screenRedirectURIHost(rawURI, parsed)
	case SchemeHTTP:
		host := parsed.Hostname()
		if util.IsLoopbackHostname(host) {
			// RFC 8252 Section 7.3: plain HTTP is acceptable on loopback
			// so native apps can receive the redirect on an ephemeral port
			return s.screenRedirectURIHost(rawURI, parsed)
		}
		if s.Config.AllowInsecureHTTP && !s.Config.ProductionMode {
			return s.screenRedirectURIHost(rawURI, parsed)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURICategoryHTTPNotAllowed,
			URI:           rawURI,
			Reason:        fmt.Sprintf("plain HTTP on non-loopback host %q", host),
			ClientMessage: "redirect_uri must use HTTPS except on loopback",
		}
	default:
		if err := s.validateCustomScheme(scheme); err != nil {
			return &RedirectURISecurityError{
				Category:      RedirectURICategoryBlockedScheme,
				URI:           rawURI,
				Reason:        err.Error(),
				ClientMessage: "redirect_uri scheme is not allowed",
			}
		}
		// Custom schemes are dispatched by the OS to the registered app;
		// there is no network host to screen
		return nil
	}
}

// screenRedirectURIHost applies host-level policy for http and https
// redirect URIs: loopback permission, IP literal classification, and
// optional DNS resolution checks for hostnames.
func (s *Server) screenRedirectURIHost(rawURI string, parsed *url.URL) error {
	host := parsed.Hostname()
	if host == "" {
		return &RedirectURISecurityError{
			Category:      RedirectURICategoryInvalidFormat,
			URI:           rawURI,
			Reason:        "missing host",
			ClientMessage: "redirect_uri must include a host",
		}
	}

	if util.IsLoopbackHostname(host) {
		if s.Config.DisallowLocalhostRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURICategoryLoopbackNotAllowed,
				URI:           rawURI,
				Reason:        fmt.Sprintf("loopback host %q with loopback redirects disabled", host),
				ClientMessage: "loopback redirect URIs are not allowed",
			}
		}
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return s.screenRedirectIPLiteral(rawURI, ip, false)
	}

	if s.Config.DNSValidation {
		return s.validateRedirectURIDNS(rawURI, host)
	}
	return nil
}

// screenRedirectIPLiteral classifies an IP found in a redirect URI, either
// as a literal host or via DNS resolution (resolved=true switches the
// rejection category to the DNS variants).
func (s *Server) screenRedirectIPLiteral(rawURI string, ip net.IP, resolved bool) error {
	switch util.ClassifyIP(ip) {
	case util.IPClassificationPublic, util.IPClassificationLoopback:
		// Loopback literals were already handled by the hostname check;
		// anything classified loopback here came out of DNS resolution,
		// where it is harmless
		return nil
	case util.IPClassificationUnspecified:
		return &RedirectURISecurityError{
			Category:      RedirectURICategoryUnspecified,
			URI:           rawURI,
			Reason:        fmt.Sprintf("unspecified address %s", ip),
			ClientMessage: "redirect_uri host is not allowed",
		}
	case util.IPClassificationPrivate:
		if s.Config.AllowPrivateIPRedirectURIs {
			return nil
		}
		category := RedirectURICategoryPrivateIP
		if resolved {
			category = RedirectURICategoryDNSPrivateIP
		}
		return &RedirectURISecurityError{
			Category:      category,
			URI:           rawURI,
			Reason:        fmt.Sprintf("private address %s", ip),
			ClientMessage: "redirect_uri host is not allowed",
		}
	case util.IPClassificationLinkLocal:
		if s.Config.AllowLinkLocalRedirectURIs {
			return nil
		}
		category := RedirectURICategoryLinkLocal
		if resolved {
			category = RedirectURICategoryDNSLinkLocal
		}
		return &RedirectURISecurityError{
			Category:      category,
			URI:           rawURI,
			Reason:        fmt.Sprintf("link-local address %s", ip),
			ClientMessage: "redirect_uri host is not allowed",
		}
	default:
		return nil
	}
}

// validateRedirectURIDNS resolves a redirect URI hostname and screens every
// resolved address. This catches DNS rebinding setups where a public-looking
// hostname points at internal infrastructure. Resolution failures are
// allowed through with a warning, except in ProductionMode where they fail
// closed.
func (s *Server) validateRedirectURIDNS(rawURI, host string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.DNSValidationTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		if s.Config.ProductionMode {
			return &RedirectURISecurityError{
				Category:      RedirectURICategoryInvalidFormat,
				URI:           rawURI,
				Reason:        fmt.Sprintf("DNS resolution failed: %v", err),
				ClientMessage: "redirect_uri host could not be verified",
			}
		}
		s.Logger.Warn("DNS validation skipped: resolution failed",
			"host", host,
			"error", err)
		return nil
	}

	for _, addr := range addrs {
		if err := s.screenRedirectIPLiteral(rawURI, addr.IP, true); err != nil {
			return err
		}
	}
	return nil
}

// logRedirectURIRejection emits the security log, audit event, and metric
// for a refused redirect URI. The URI is sanitized before logging so query
// parameters cannot leak secrets into log storage.
func (s *Server) logRedirectURIRejection(secErr *RedirectURISecurityError) {
	s.Logger.Warn("Redirect URI rejected by security screening",
		"category", secErr.Category,
		"uri", sanitizeURIForLogging(secErr.URI),
		"reason", secErr.Reason)

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type: security.EventInvalidRedirect,
			Details: map[string]any{
				"category": secErr.Category,
				"uri":      sanitizeURIForLogging(secErr.URI),
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordRedirectURIRejected(context.Background(), secErr.Category)
	}
}

// sanitizeURIForLogging strips userinfo, query, and fragment components
// and truncates the result. Redirect URIs appear in attacker-controlled
// input; logging them raw risks log injection and secret leakage via
// query parameters.
func sanitizeURIForLogging(rawURI string) string {
	const maxLen = 100

	parsed, err := url.Parse(rawURI)
	if err != nil {
		return safeTruncate(strings.Map(stripControlRune, rawURI), maxLen)
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return safeTruncate(strings.Map(stripControlRune, parsed.String()), maxLen)
}

// stripControlRune replaces control characters with '?' to defeat log
// injection via CR/LF or escape sequences
func stripControlRune(r rune) rune {
	if r < 0x20 || r == 0x7f {
		return '?'
	}
	return r
}
