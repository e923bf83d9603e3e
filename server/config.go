package server

import (
	"log/slog"
	"time"

	"github.com/grantkit/grantkit/internal/util"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// ClockSkewGracePeriod is the grace period for token expiration checks
	// (in seconds). This prevents false expiration errors due to time
	// synchronization issues between servers.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// DisableRefreshTokens stops the token endpoint from issuing refresh
	// tokens. When false (default), every code exchange returns a refresh
	// token and the refresh_token grant rotates it on each use.
	DisableRefreshTokens bool // default: false

	// AllowPublicClientsWithoutPKCE lets public clients start an
	// authorization flow without a code_challenge.
	// WARNING: Public clients have no secret; without PKCE an intercepted
	// authorization code is immediately usable by the attacker.
	// The exchange step still refuses codes issued this way unless the
	// flag is set there too (it is the same flag).
	// Default: false (PKCE required for public clients)
	AllowPublicClientsWithoutPKCE bool // default: false

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx,
	// HAProxy, etc.). When false, the direct connection IP is used.
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Used with TrustProxy to pick the right X-Forwarded-For hop:
	// ips[len(ips) - TrustedProxyCount - 1].
	// Default: 1
	TrustedProxyCount int // default: 1

	// MinStateLength is the minimum accepted length of the client's state
	// parameter. Short state values make CSRF tokens guessable.
	// Default: 8
	MinStateLength int // default: 8

	// SupportedScopes lists the scopes the server accepts.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// WARNING: OAuth over HTTP exposes codes and tokens to interception.
	// Default: false
	AllowInsecureHTTP bool // default: false

	// RevokedFamilyRetentionDays is how long revoked refresh token family
	// metadata is kept for reuse detection and auditing.
	// Default: 90
	RevokedFamilyRetentionDays int64 // days, default: 90

	// AllowedCustomSchemes lists custom URI schemes accepted for native
	// app redirect URIs (e.g. "com.example.app"). Matching is
	// case-insensitive. Empty allows all RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// BlockedRedirectSchemes lists URI schemes never accepted as redirect
	// URIs. Defaults to javascript, data, file, vbscript, about.
	BlockedRedirectSchemes []string

	// DisallowLocalhostRedirectURIs refuses loopback redirect URIs
	// (localhost, 127.0.0.0/8, ::1). RFC 8252 Section 7.3 allows plain
	// HTTP for loopback so native apps can receive the redirect; only set
	// this for deployments that serve browser clients exclusively.
	// Default: false (loopback allowed)
	DisallowLocalhostRedirectURIs bool // default: false

	// AllowPrivateIPRedirectURIs permits redirect URIs pointing at
	// RFC 1918 / ULA addresses. Only enable for internal or VPN
	// deployments; it weakens SSRF protection.
	// Default: false
	AllowPrivateIPRedirectURIs bool // default: false

	// AllowLinkLocalRedirectURIs permits link-local redirect URIs.
	// WARNING: link-local addresses include cloud metadata services
	// (169.254.169.254). Leave disabled.
	// Default: false
	AllowLinkLocalRedirectURIs bool // default: false

	// ProductionMode requires HTTPS for all non-loopback redirect URIs.
	// Default: false
	ProductionMode bool // default: false

	// DNSValidation resolves redirect URI hostnames at seed time and
	// refuses names that resolve to private or link-local addresses
	// (DNS rebinding protection).
	// Default: false
	DNSValidation bool // default: false

	// DNSValidationTimeout bounds each DNS lookup during validation.
	// Default: 5s
	DNSValidationTimeout time.Duration // default: 5s

	// CORS configures cross-origin access for browser-based clients.
	CORS CORSConfig
}

// CORSConfig holds CORS settings for browser-based clients.
// Cross-origin access stays off until AllowedOrigins is populated.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the token, userinfo,
	// revocation and metadata endpoints from a browser. "*" allows all
	// origins (development only).
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials. Required
	// when browser clients send Authorization headers.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds.
	// Default: 3600
	MaxAge int
}

// Endpoint paths, fixed relative to the issuer.
const (
	AuthorizePath = "/oauth2/authorize"
	ApprovePath   = "/oauth2/approve"
	TokenPath     = "/oauth2/token"
	UserInfoPath  = "/oauth2/userinfo"
	RevokePath    = "/oauth2/revoke"
	MetadataPath  = "/.well-known/oauth-authorization-server"
)

// AuthorizationEndpoint returns the absolute URL of the authorize endpoint.
func (c *Config) AuthorizationEndpoint() string {
	return c.endpointURL(AuthorizePath)
}

// ApprovalEndpoint returns the absolute URL of the consent submission endpoint.
func (c *Config) ApprovalEndpoint() string {
	return c.endpointURL(ApprovePath)
}

// TokenEndpoint returns the absolute URL of the token endpoint.
func (c *Config) TokenEndpoint() string {
	return c.endpointURL(TokenPath)
}

// UserInfoEndpoint returns the absolute URL of the userinfo endpoint.
func (c *Config) UserInfoEndpoint() string {
	return c.endpointURL(UserInfoPath)
}

// RevocationEndpoint returns the absolute URL of the revocation endpoint.
func (c *Config) RevocationEndpoint() string {
	return c.endpointURL(RevokePath)
}

func (c *Config) endpointURL(path string) string {
	return util.NormalizeURL(c.Issuer) + path
}

// applySecureDefaults applies secure-by-default configuration values.
// This follows the principle: secure by default, opt-in for less secure
// options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	validateScopeConfig(config, logger)
	validateTTLConfig(config, logger)
	return config
}

// applyTimeDefaults fills zero lifetimes with the standard ones
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.RevokedFamilyRetentionDays == 0 {
		config.RevokedFamilyRetentionDays = 90
	}
	if config.DNSValidationTimeout == 0 {
		config.DNSValidationTimeout = 5 * time.Second
	}
}

// applySecurityDefaults sets secure defaults for security-related
// configuration and logs warnings for settings that weaken the posture.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = append([]string(nil), DangerousSchemes...)
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings calls out settings that weaken a production deployment
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPublicClientsWithoutPKCE {
		logger.Warn("SECURITY WARNING: public clients may skip PKCE",
			"risk", "Authorization code interception attacks",
			"recommendation", "Unset AllowPublicClientsWithoutPKCE")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: trusting proxy headers",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"config", "set TrustedProxyCount to the number of proxies in front of the server")
	}
	if config.AllowPrivateIPRedirectURIs {
		logger.Warn("SECURITY NOTICE: private IP redirect URIs allowed",
			"risk", "SSRF into internal networks",
			"recommendation", "Only use for internal or VPN deployments")
	}
	if config.AllowLinkLocalRedirectURIs {
		logger.Warn("SECURITY WARNING: link-local redirect URIs allowed",
			"risk", "Cloud metadata service access (169.254.169.254)",
			"recommendation", "Unset AllowLinkLocalRedirectURIs")
	}
	if config.DisableRefreshTokens {
		logger.Info("Refresh tokens disabled; clients must re-authorize when access tokens expire")
	}
}
