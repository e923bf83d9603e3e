package security

// Audit event types. The audit logger records each as the event_type field,
// and downstream alerting keys off these exact strings, so they are part of
// the log contract: renaming one breaks every consumer's queries.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the client
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every token for a user and client pair is revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued after consent
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is presented twice (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventConsentDenied is logged when the resource owner denies the authorization request
	EventConsentDenied = "consent_denied"

	// EventLoginFailure is logged when resource owner authentication fails on the consent form
	EventLoginFailure = "login_failure"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails (unknown client, wrong secret)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when an endpoint rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventLoginRateLimitExceeded is logged when an IP exhausts its login attempt budget
	EventLoginRateLimitExceeded = "login_rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client attempts the flow without PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is replayed
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventRevokedTokenFamilyReuseAttempt is logged when a revoked token family is accessed
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// EventSuspiciousActivity is logged for general suspicious behavior
	EventSuspiciousActivity = "suspicious_activity"

	// EventInvalidRedirect is logged when a redirect URI fails the exact match check
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its registration
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
