package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/storage"
)

// PKCE constants per RFC 7636
const (
	// MinCodeVerifierLength is the minimum length for PKCE code verifiers (RFC 7636 Section 4.1)
	MinCodeVerifierLength = 43
	// MaxCodeVerifierLength is the maximum length for PKCE code verifiers (RFC 7636 Section 4.1)
	MaxCodeVerifierLength = 128
	// PKCEMethodS256 is the SHA256-based PKCE challenge method, the only
	// method this server accepts (OAuth 2.1 deprecates "plain")
	PKCEMethodS256 = "S256"
)

// State parameter constraints. The state value is the client's CSRF token;
// it is echoed back verbatim and never stored, so it must be safe to embed
// in a redirect URL.
const (
	// MaxStateLength caps the accepted state parameter length
	MaxStateLength = 256
)

// URL scheme constants
const (
	// SchemeHTTP is the HTTP URL scheme
	SchemeHTTP = "http"
	// SchemeHTTPS is the HTTPS URL scheme
	SchemeHTTPS = "https"
)

// AllowedHTTPSchemes contains the HTTP-based schemes a redirect URI may use
var AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

// DangerousSchemes are URL schemes that are always rejected in redirect URIs
// regardless of configuration, as they enable XSS or local file access
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// DefaultRFC3986SchemePattern matches scheme names permitted by RFC 3986
// Section 3.1. Used to validate custom (native app) redirect URI schemes.
var DefaultRFC3986SchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// LoopbackAddresses are hostnames treated as loopback for native app
// redirect URIs per RFC 8252 Section 7.3
var LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1"}

// validateHTTPSEnforcement ensures the issuer URL uses HTTPS in accordance
// with OAuth 2.1. Plain HTTP is permitted only for loopback issuers, or
// anywhere when AllowInsecureHTTP is set (development escape hatch).
func (s *Server) validateHTTPSEnforcement() error {
	// An empty issuer fails later with a clearer error when the metadata
	// endpoint needs it; only a configured issuer is screened here
	if s.Config.Issuer == "" {
		return nil
	}

	parsed, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch parsed.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if isLocalhostHostname(parsed.Hostname()) {
			s.Logger.Warn("Issuer uses HTTP on loopback; acceptable for development only",
				"issuer", s.Config.Issuer)
			return nil
		}
		if s.Config.AllowInsecureHTTP {
			s.Logger.Warn("SECURITY WARNING: Issuer uses HTTP on a non-loopback host",
				"issuer", s.Config.Issuer)
			return nil
		}
		return fmt.Errorf("issuer must use HTTPS (got %q); set AllowInsecureHTTP to override for development", s.Config.Issuer)
	default:
		return fmt.Errorf("issuer must use http or https scheme (got %q)", parsed.Scheme)
	}
}

// isLocalhostHostname checks if a hostname is a loopback address suitable
// for development use
func isLocalhostHostname(hostname string) bool {
	return util.IsLoopbackHostname(hostname)
}

// isLoopbackAddress checks whether a redirect URI host (without port) is one
// of the loopback addresses native apps may use per RFC 8252
func isLoopbackAddress(host string) bool {
	for _, addr := range LoopbackAddresses {
		if host == addr {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI checks a redirect URI from an authorization or token
// request against the client's registered URIs. Matching is exact string
// comparison; no prefix, wildcard, or normalization logic is applied
// (OAuth 2.1 Section 4.1.3). The URI is then screened against the same
// security rules used at registration time, so a client record seeded
// before a policy tightening cannot smuggle a now-forbidden URI through.
func (s *Server) validateRedirectURI(redirectURI string, client *storage.Client) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	registered := false
	for _, uri := range client.RedirectURIs {
		if subtle.ConstantTimeCompare([]byte(uri), []byte(redirectURI)) == 1 {
			registered = true
			break
		}
	}
	if !registered {
		s.Logger.Warn("Redirect URI not registered for client",
			"client_id", client.ClientID,
			"redirect_uri", sanitizeURIForLogging(redirectURI))
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(client.ClientID, "", sanitizeURIForLogging(redirectURI))
		}
		if m := s.metrics(); m != nil {
			m.RecordRedirectURIRejected(context.Background(), "not_registered")
		}
		return fmt.Errorf("redirect_uri does not match any registered URI")
	}

	if err := s.screenRedirectURI(redirectURI); err != nil {
		var secErr *RedirectURISecurityError
		if errors.As(err, &secErr) {
			s.logRedirectURIRejection(secErr)
			return fmt.Errorf("%s", secErr.ClientMessage)
		}
		return err
	}

	return nil
}

// validateScopes checks that every requested scope is one the server
// supports. An empty SupportedScopes config disables the check.
func (s *Server) validateScopes(requested []string) error {
	for _, scope := range requested {
		if err := validateScopeFormat(scope); err != nil {
			return err
		}
	}

	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	supported := make(map[string]bool, len(s.Config.SupportedScopes))
	for _, scope := range s.Config.SupportedScopes {
		supported[scope] = true
	}

	for _, scope := range requested {
		if !supported[scope] {
			return fmt.Errorf("unsupported scope: %s", scope)
		}
	}
	return nil
}

// validateClientScopes checks that every requested scope is within the
// client's allowed set. The error message is deliberately generic: echoing
// the offending scope back would let an attacker probe which scopes a
// client is registered for.
func (s *Server) validateClientScopes(requested []string, client *storage.Client) error {
	if len(client.Scopes) == 0 {
		// Client has no scope restrictions
		return nil
	}

	allowed := make(map[string]bool, len(client.Scopes))
	for _, scope := range client.Scopes {
		allowed[scope] = true
	}

	for _, scope := range requested {
		if !allowed[scope] {
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// validateStateParameter enforces minimum entropy and printable-ASCII
// content on the client's state value. The value is echoed back verbatim
// in the redirect, so control characters and non-ASCII bytes are refused.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required")
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for CSRF protection", s.Config.MinStateLength)
	}
	if len(state) > MaxStateLength {
		return fmt.Errorf("state parameter must not exceed %d characters", MaxStateLength)
	}
	for i := 0; i < len(state); i++ {
		if state[i] < 0x20 || state[i] > 0x7e {
			return fmt.Errorf("state parameter contains invalid characters")
		}
	}
	return nil
}

// pkceError is a PKCE validation failure with a bounded reason label used
// for metrics. The message is safe to return to clients.
type pkceError struct {
	reason  string
	message string
}

func (e *pkceError) Error() string {
	return e.message
}

// PKCE failure reasons, bounded for metric cardinality
const (
	pkceReasonMissingVerifier   = "missing_verifier"
	pkceReasonMissingChallenge  = "missing_challenge"
	pkceReasonInvalidLength     = "invalid_length"
	pkceReasonInvalidCharset    = "invalid_charset"
	pkceReasonMismatch          = "mismatch"
	pkceReasonUnsupportedMethod = "unsupported_method"
)

// validateCodeChallenge checks the code_challenge and code_challenge_method
// presented in an authorization request. Only S256 is accepted; "plain"
// offers no protection against authorization code interception and is
// rejected per OAuth 2.1.
func validateCodeChallenge(codeChallenge, codeChallengeMethod string) error {
	if codeChallenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if codeChallengeMethod != PKCEMethodS256 {
		return &pkceError{
			reason:  pkceReasonUnsupportedMethod,
			message: fmt.Sprintf("code_challenge_method must be %s", PKCEMethodS256),
		}
	}
	// A valid S256 challenge is the unpadded base64url encoding of a SHA-256
	// digest, always 43 characters
	if len(codeChallenge) != 43 {
		return &pkceError{
			reason:  pkceReasonInvalidLength,
			message: "code_challenge must be 43 characters (base64url-encoded SHA-256 digest)",
		}
	}
	if !isValidVerifierCharset(codeChallenge) {
		return &pkceError{
			reason:  pkceReasonInvalidCharset,
			message: "code_challenge contains invalid characters",
		}
	}
	return nil
}

// verifyPKCE checks a code_verifier from a token request against the
// code_challenge stored with the authorization code (RFC 7636 Section 4.6).
// The comparison is constant-time so the verifier cannot be brute-forced
// character by character through timing.
func verifyPKCE(codeVerifier, codeChallenge, codeChallengeMethod string) error {
	if codeVerifier == "" {
		return &pkceError{
			reason:  pkceReasonMissingVerifier,
			message: "code_verifier is required",
		}
	}
	if len(codeVerifier) < MinCodeVerifierLength || len(codeVerifier) > MaxCodeVerifierLength {
		return &pkceError{
			reason:  pkceReasonInvalidLength,
			message: fmt.Sprintf("code_verifier must be between %d and %d characters", MinCodeVerifierLength, MaxCodeVerifierLength),
		}
	}
	if !isValidVerifierCharset(codeVerifier) {
		return &pkceError{
			reason:  pkceReasonInvalidCharset,
			message: "code_verifier contains invalid characters",
		}
	}
	if codeChallengeMethod != PKCEMethodS256 {
		// Codes are only ever stored with an S256 challenge, so this
		// indicates storage corruption rather than client error
		return &pkceError{
			reason:  pkceReasonUnsupportedMethod,
			message: fmt.Sprintf("unsupported code_challenge_method: %s", codeChallengeMethod),
		}
	}

	hash := sha256.Sum256([]byte(codeVerifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) != 1 {
		return &pkceError{
			reason:  pkceReasonMismatch,
			message: "code_verifier does not match code_challenge",
		}
	}
	return nil
}

// isValidVerifierCharset checks the RFC 7636 Section 4.1 unreserved
// character set: ALPHA / DIGIT / "-" / "." / "_" / "~"
func isValidVerifierCharset(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// validateCustomScheme checks a non-HTTP redirect URI scheme. Custom
// schemes support native apps (for example "com.example.app:/callback")
// per RFC 8252 Section 7.1. With an empty allowlist any RFC 3986 compliant
// scheme passes; blocked schemes are screened separately.
func (s *Server) validateCustomScheme(scheme string) error {
	if !DefaultRFC3986SchemePattern.MatchString(scheme) {
		return fmt.Errorf("scheme %q is not valid per RFC 3986", scheme)
	}
	if len(s.Config.AllowedCustomSchemes) == 0 {
		return nil
	}
	for _, allowed := range s.Config.AllowedCustomSchemes {
		if strings.EqualFold(scheme, allowed) {
			return nil
		}
	}
	return fmt.Errorf("scheme %q is not in the allowed custom schemes list", scheme)
}
