package grantkit

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/server"
)

// Config assembles a complete authorization server for New.
// Structured by composition: the flow engine tunables live in Engine,
// the handler-level knobs and startup seeds alongside it.
type Config struct {
	// Engine holds the flow engine configuration: issuer, TTLs, PKCE
	// policy, redirect URI screening, proxy trust, CORS. Zero values get
	// secure defaults applied at construction.
	Engine server.Config

	// RateLimit configures per-IP limiting in front of the authorize and
	// token endpoints.
	RateLimit RateLimitConfig

	// LoginRateLimit bounds credential attempts on the consent form.
	LoginRateLimit LoginRateLimitConfig

	// EncryptionKey is the AES-256 key (32 bytes) encrypting identity
	// claims at rest. Nil stores them in plaintext. Generate with
	// GenerateEncryptionKey.
	EncryptionKey []byte

	// EnableAuditLogging turns on the security audit log. Audit records
	// hash user identifiers and never contain token values.
	EnableAuditLogging bool

	// ConsentTemplate overrides the built-in consent page. It is parsed
	// with html/template and executed with a ConsentPageData.
	ConsentTemplate string

	// Clients seeds the client store at startup. Redirect URIs are
	// screened with the same policy the authorize endpoint enforces.
	Clients []ClientSeed

	// Users seeds the user store at startup.
	Users []UserSeed

	// Logger for structured logging (optional, uses slog.Default if not provided)
	Logger *slog.Logger

	// Instrumentation carries OpenTelemetry metrics and tracing wiring
	// (optional, noop when nil).
	Instrumentation *instrumentation.Instrumentation
}

// RateLimitConfig holds IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	// Default: 2x Rate
	Burst int

	// MaxEntries bounds the number of tracked IPs (LRU eviction beyond it).
	// Default: 10000
	MaxEntries int
}

// LoginRateLimitConfig holds consent form credential attempt limiting.
// The zero value enables limiting with the package defaults
// (10 attempts per 15 minutes per IP).
type LoginRateLimitConfig struct {
	// Disabled turns credential attempt limiting off.
	// WARNING: leaves the consent form open to password brute force.
	Disabled bool

	// MaxAttempts is the number of attempts allowed per Window per IP.
	// Default: 10
	MaxAttempts int

	// Window is the sliding attempt window.
	// Default: 15 minutes
	Window time.Duration

	// MaxEntries bounds the number of tracked IPs.
	// Default: 10000
	MaxEntries int
}

// ClientSeed registers an OAuth client at startup.
type ClientSeed struct {
	// ClientID is the public client identifier (required).
	ClientID string

	// ClientSecret is the plaintext secret, bcrypt-hashed at seed time.
	// Empty makes this a public client, which must use PKCE.
	ClientSecret string

	// RedirectURIs are the exact redirect URIs the client may use (required).
	RedirectURIs []string

	// Scopes restricts what the client may request. Empty allows any
	// scope the server supports.
	Scopes []string

	// Name is a human-readable name shown on the consent page.
	Name string
}

// UserSeed creates a resource owner at startup.
type UserSeed struct {
	// Username is the login name (required).
	Username string

	// Email is the address returned by the userinfo endpoint.
	Email string

	// Password is the plaintext password, bcrypt-hashed at seed time (required).
	Password string
}

// GenerateEncryptionKey generates a random AES-256 key for Config.EncryptionKey.
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}
