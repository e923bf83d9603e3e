package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log stream so audit trails
// can be correlated without storing raw identity data.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor. When enabled is false every
// logging method is a no-op.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// log assembles an Event from flat arguments. kv holds alternating detail
// keys and values, slog style; non-string keys are skipped.
func (a *Auditor) log(eventType, userID, clientID, ipAddress string, kv ...any) {
	var details map[string]any
	if len(kv) > 0 {
		details = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if key, ok := kv[i].(string); ok {
				details[key] = kv[i+1]
			}
		}
	}
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   details,
	})
}

// LogAuthorizationCodeIssued logs a successful consent that produced a code
func (a *Auditor) LogAuthorizationCodeIssued(userID, clientID, ipAddress, scope string) {
	a.log(EventAuthorizationCodeIssued, userID, clientID, ipAddress, "scope", scope)
}

// LogCodeReuse logs a replayed authorization code together with how many
// previously issued tokens were revoked in response
func (a *Auditor) LogCodeReuse(userID, clientID, ipAddress string, tokensRevoked int) {
	a.log(EventAuthorizationCodeReuseDetected, userID, clientID, ipAddress, "tokens_revoked", tokensRevoked)
}

// LogConsentDenied logs an explicit denial on the consent form
func (a *Auditor) LogConsentDenied(clientID, ipAddress string) {
	a.log(EventConsentDenied, "", clientID, ipAddress)
}

// LogLoginFailure logs a failed resource owner login on the consent form.
// The username travels in the UserID field so it is hashed before logging.
func (a *Auditor) LogLoginFailure(username, clientID, ipAddress string) {
	a.log(EventLoginFailure, username, clientID, ipAddress)
}

// LogTokenIssued logs when an access token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.log(EventTokenIssued, userID, clientID, ipAddress, "scope", scope)
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, generation int) {
	a.log(EventTokenRefreshed, userID, clientID, ipAddress, "generation", generation)
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.log(EventTokenRevoked, userID, clientID, ipAddress, "token_type", tokenType)
}

// LogRefreshTokenReuse logs a replayed refresh token. The whole family is
// revoked when this fires.
func (a *Auditor) LogRefreshTokenReuse(userID, clientID, ipAddress, familyID string) {
	a.log(EventRefreshTokenReuseDetected, userID, clientID, ipAddress, "family_id", familyID)
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.log(EventAuthFailure, userID, clientID, ipAddress, "reason", reason)
}

// LogRateLimitExceeded logs a rate limit violation on an endpoint
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.log(EventRateLimitExceeded, "", "", ipAddress, "endpoint", endpoint)
}

// LogPKCEFailure logs a failed code_verifier check
func (a *Auditor) LogPKCEFailure(clientID, ipAddress, reason string) {
	a.log(EventPKCEValidationFailed, "", clientID, ipAddress, "reason", reason)
}

// LogInvalidRedirect logs a redirect URI that failed the exact match check.
// The offending URI is recorded verbatim; redirect URIs are not PII.
func (a *Auditor) LogInvalidRedirect(clientID, ipAddress, redirectURI string) {
	a.log(EventInvalidRedirect, "", clientID, ipAddress, "redirect_uri", redirectURI)
}

// LogScopeEscalation logs a scope request outside the client's registration
func (a *Auditor) LogScopeEscalation(clientID, ipAddress, requestedScope string) {
	a.log(EventScopeEscalationAttempt, "", clientID, ipAddress, "requested_scope", requestedScope)
}

// hashForLogging maps a sensitive value to the first 16 hex characters of
// its SHA-256, a stable correlation key that never exposes the value
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
