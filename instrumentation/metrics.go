package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments used by the library. Instruments are
// created once at startup and shared; recording on them is lock-free.
//
// All Record* helpers are nil-safe so callers never have to guard against
// partially initialized instrumentation.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flow
	AuthorizationStarted metric.Int64Counter
	ConsentDecisions     metric.Int64Counter
	CodesIssued          metric.Int64Counter
	CodesExchanged       metric.Int64Counter
	TokensRefreshed      metric.Int64Counter
	TokensRevoked        metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	LoginFailures        metric.Int64Counter
	RedirectURIRejected  metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Claims encryption
	EncryptionOperationsTotal   metric.Int64Counter
	EncryptionOperationDuration metric.Float64Histogram

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	StorageAccessTokens       metric.Int64ObservableGauge
	StorageClients            metric.Int64ObservableGauge
	StorageAuthorizationCodes metric.Int64ObservableGauge
	StorageTokenFamilies      metric.Int64ObservableGauge
	StorageRefreshTokens      metric.Int64ObservableGauge

	// storageMeter is retained so size callbacks can be registered against
	// the meter that created the observable gauges.
	storageMeter metric.Meter
}

// newMetrics creates all metric instruments using per-layer meters.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{storageMeter: storageMeter}
	var err error

	// HTTP metrics

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests by method, endpoint, and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	// Authorization flow metrics

	m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"oauth.authorization.started",
		metric.WithDescription("Authorization requests that passed validation and reached the consent step"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization started counter: %w", err)
	}

	m.ConsentDecisions, err = serverMeter.Int64Counter(
		"oauth.consent.decisions",
		metric.WithDescription("Consent decisions by outcome (approved or denied)"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent decisions counter: %w", err)
	}

	m.CodesIssued, err = serverMeter.Int64Counter(
		"oauth.code.issued",
		metric.WithDescription("Authorization codes issued after approval"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes issued counter: %w", err)
	}

	m.CodesExchanged, err = serverMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Authorization codes exchanged for tokens"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes exchanged counter: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Access tokens reissued through refresh token rotation"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens refreshed counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Tokens revoked by token type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens revoked counter: %w", err)
	}

	// Security metrics

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Requests rejected by a rate limiter, by limiter type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("PKCE verifier checks that failed, by reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce failures counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"oauth.code.reuse_detected",
		metric.WithDescription("Attempts to redeem an already-consumed authorization code"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code reuse counter: %w", err)
	}

	m.TokenReuseDetected, err = securityMeter.Int64Counter(
		"oauth.token.reuse_detected",
		metric.WithDescription("Attempts to replay a rotated refresh token"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token reuse counter: %w", err)
	}

	m.LoginFailures, err = securityMeter.Int64Counter(
		"oauth.login.failures",
		metric.WithDescription("Failed resource owner logins on the consent form"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login failures counter: %w", err)
	}

	m.RedirectURIRejected, err = securityMeter.Int64Counter(
		"oauth.redirect_uri.rejected",
		metric.WithDescription("Redirect URIs rejected by security screening, by reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect rejected counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Security audit events emitted, by event type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit events counter: %w", err)
	}

	// Claims encryption metrics

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"oauth.encryption.operations.total",
		metric.WithDescription("Claims encryption operations (encrypt or decrypt)"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption operations counter: %w", err)
	}

	m.EncryptionOperationDuration, err = securityMeter.Float64Histogram(
		"oauth.encryption.operation.duration",
		metric.WithDescription("Claims encryption operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption duration histogram: %w", err)
	}

	// Storage metrics

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Storage operations by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage duration histogram: %w", err)
	}

	m.StorageAccessTokens, err = storageMeter.Int64ObservableGauge(
		"storage.size.access_tokens",
		metric.WithDescription("Access tokens currently held in storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create access tokens gauge: %w", err)
	}

	m.StorageClients, err = storageMeter.Int64ObservableGauge(
		"storage.size.clients",
		metric.WithDescription("Clients currently held in storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients gauge: %w", err)
	}

	m.StorageAuthorizationCodes, err = storageMeter.Int64ObservableGauge(
		"storage.size.authorization_codes",
		metric.WithDescription("Pending authorization codes currently held in storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization codes gauge: %w", err)
	}

	m.StorageTokenFamilies, err = storageMeter.Int64ObservableGauge(
		"storage.size.token_families",
		metric.WithDescription("Refresh token families currently held in storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token families gauge: %w", err)
	}

	m.StorageRefreshTokens, err = storageMeter.Int64ObservableGauge(
		"storage.size.refresh_tokens",
		metric.WithDescription("Refresh tokens currently held in storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh tokens gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its status and duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m.HTTPRequestsTotal != nil {
		m.HTTPRequestsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("endpoint", endpoint),
				attribute.Int("status", statusCode),
			))
	}
	if m.HTTPRequestDuration != nil {
		m.HTTPRequestDuration.Record(ctx, durationMs,
			metric.WithAttributes(
				attribute.String("endpoint", endpoint),
			))
	}
}

// RecordAuthorizationStarted records a validated authorization request
// reaching the consent step
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m.AuthorizationStarted != nil {
		m.AuthorizationStarted.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
			))
	}
}

// RecordConsentDecision records the resource owner's approve or deny decision
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID string, approved bool) {
	if m.ConsentDecisions != nil {
		m.ConsentDecisions.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
				attribute.Bool("approved", approved),
			))
	}
}

// RecordCodeIssued records an authorization code being issued after approval
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	if m.CodesIssued != nil {
		m.CodesIssued.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
			))
	}
}

// RecordCodeExchange records an authorization code exchanged for tokens
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	if m.CodesExchanged != nil {
		m.CodesExchanged.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
				attribute.String("pkce_method", pkceMethod),
			))
	}
}

// RecordTokenRefresh records an access token reissued through rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m.TokensRefreshed != nil {
		m.TokensRefreshed.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
			))
	}
}

// RecordTokenRevocation records a token revocation. tokenType is
// "access_token" or "refresh_token".
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	if m.TokensRevoked != nil {
		m.TokensRevoked.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
				attribute.String("token_type", tokenType),
			))
	}
}

// RecordRateLimitExceeded records a request rejected by a rate limiter.
// limiterType distinguishes the limiter ("ip", "login").
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m.RateLimitExceeded != nil {
		m.RateLimitExceeded.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("limiter_type", limiterType),
			))
	}
}

// RecordPKCEValidationFailed records a failed PKCE verifier check.
// reason is a bounded set ("missing_verifier", "invalid_length",
// "invalid_charset", "mismatch").
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, reason string) {
	if m.PKCEValidationFailed != nil {
		m.PKCEValidationFailed.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("reason", reason),
			))
	}
}

// RecordCodeReuseDetected records an attempt to redeem a consumed code
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m.CodeReuseDetected != nil {
		m.CodeReuseDetected.Add(ctx, 1)
	}
}

// RecordTokenReuseDetected records a replay of a rotated refresh token
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m.TokenReuseDetected != nil {
		m.TokenReuseDetected.Add(ctx, 1)
	}
}

// RecordLoginFailure records a failed resource owner login on the consent form
func (m *Metrics) RecordLoginFailure(ctx context.Context, clientID string) {
	if m.LoginFailures != nil {
		m.LoginFailures.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client_id", clientID),
			))
	}
}

// RecordRedirectURIRejected records a redirect URI refused by security
// screening. reason is a bounded set ("blocked_scheme", "private_ip",
// "link_local", "http_not_loopback").
func (m *Metrics) RecordRedirectURIRejected(ctx context.Context, reason string) {
	if m.RedirectURIRejected != nil {
		m.RedirectURIRejected.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("reason", reason),
			))
	}
}

// RecordAuditEvent records an emitted security audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m.AuditEventsTotal != nil {
		m.AuditEventsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("event_type", eventType),
			))
	}
}

// RecordEncryptionOperation records a claims encryption operation.
// operation is "encrypt" or "decrypt".
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	if m.EncryptionOperationsTotal != nil {
		m.EncryptionOperationsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
			))
	}
	if m.EncryptionOperationDuration != nil {
		m.EncryptionOperationDuration.Record(ctx, durationMs,
			metric.WithAttributes(
				attribute.String("operation", operation),
			))
	}
}

// RecordStorageOperation records a storage operation with its result and
// duration. result is "success" or "error".
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m.StorageOperationTotal != nil {
		m.StorageOperationTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("result", result),
			))
	}
	if m.StorageOperationDuration != nil {
		m.StorageOperationDuration.Record(ctx, durationMs,
			metric.WithAttributes(
				attribute.String("operation", operation),
			))
	}
}
