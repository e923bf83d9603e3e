package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. These name grant metadata only: token values,
// authorization codes, client secrets, and PKCE verifiers never go into
// trace attributes, because trace storage outlives the credentials and is
// readable by a wider audience than the server's own logs.
const (
	AttrClientID        = "oauth.client_id"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrClientType      = "oauth.client_type"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrCodeReuse       = "oauth.code.reuse"
	AttrTokenReuse      = "oauth.token.reuse"      //nolint:gosec // attribute name, not a credential
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // attribute name, not a credential
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // attribute name, not a credential

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"

	AttrHTTPMethod     = "http.method"
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records err on the span and marks it failed. Nil span or nil
// err is a no-op.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as completed successfully (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks the span as failed with a short reason, without
// attaching an error event (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on the span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes annotates a span with the grant parties. Empty
// values are skipped, so it can be called as soon as any of them is known.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	if len(attrs) > 0 {
		SetSpanAttributes(span, attrs...)
	}
}

// AddPKCEAttributes records the challenge method on the span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddTokenFamilyAttributes records the rotation lineage of a refresh
// grant: the family and the generation within it (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes tags a storage span with the operation and the
// backend type serving it (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes records the request method, endpoint path, and the
// terminal status code on the span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes records the client IP on the span. IP addresses can
// identify a person; callers gate this on ShouldLogClientIPs.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
