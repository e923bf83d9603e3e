package server

import (
	"fmt"
	"log/slog"
)

// validateScopeConfig checks every configured scope against RFC 6749
// Section 3.3 and drops malformed entries. A malformed supported scope can
// never be requested, so keeping it only hides a deployment mistake.
func validateScopeConfig(config *Config, logger *slog.Logger) {
	if len(config.SupportedScopes) == 0 {
		return
	}

	valid := make([]string, 0, len(config.SupportedScopes))
	for _, scope := range config.SupportedScopes {
		if err := validateScopeFormat(scope); err != nil {
			logger.Warn("Dropping malformed scope from SupportedScopes",
				"scope", scope,
				"error", err,
				"rfc", "RFC 6749 Section 3.3")
			continue
		}
		valid = append(valid, scope)
	}
	config.SupportedScopes = valid
}

// validateScopeFormat validates a single scope token per RFC 6749
// Section 3.3: scope-token = 1*( %x21 / %x23-5B / %x5D-7E ). That is
// printable ASCII without space, double-quote, and backslash.
func validateScopeFormat(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}
	for i, c := range scope {
		if c == ' ' {
			return fmt.Errorf("scope cannot contain a space at position %d", i)
		}
		if c == '"' || c == '\\' {
			return fmt.Errorf("scope contains a forbidden character at position %d", i)
		}
		if c < 0x21 || c > 0x7e {
			return fmt.Errorf("scope contains a non-printable or non-ASCII character at position %d", i)
		}
	}
	return nil
}

// validateTTLConfig warns about lifetime values that weaken the protocol.
// None of these are fatal; the operator may have a reason.
func validateTTLConfig(config *Config, logger *slog.Logger) {
	// RFC 6749 Section 4.1.2 recommends a maximum authorization code
	// lifetime of 10 minutes
	if config.AuthorizationCodeTTL > 600 {
		logger.Warn("AuthorizationCodeTTL exceeds the recommended maximum",
			"ttl_seconds", config.AuthorizationCodeTTL,
			"recommended_max_seconds", 600,
			"rfc", "RFC 6749 Section 4.1.2")
	}

	if !config.DisableRefreshTokens && config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("RefreshTokenTTL is shorter than AccessTokenTTL",
			"refresh_ttl_seconds", config.RefreshTokenTTL,
			"access_ttl_seconds", config.AccessTokenTTL,
			"note", "sessions will end before the last access token expires")
	}

	if config.ClockSkewGracePeriod > 60 {
		logger.Warn("ClockSkewGracePeriod is unusually large",
			"grace_seconds", config.ClockSkewGracePeriod,
			"note", "expired credentials stay usable for the whole grace window")
	}
}
