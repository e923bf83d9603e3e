package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// annotators lists every span helper with representative arguments. The
// live-span and nil-span passes share it so neither drifts as helpers are
// added.
var annotators = []struct {
	name string
	call func(span trace.Span)
}{
	{"record error", func(s trace.Span) { RecordError(s, errors.New("token lookup failed")) }},
	{"record nil error", func(s trace.Span) { RecordError(s, nil) }},
	{"success status", func(s trace.Span) { SetSpanSuccess(s) }},
	{"error status", func(s trace.Span) { SetSpanError(s, "pkce verification failed") }},
	{"attributes", func(s trace.Span) {
		SetSpanAttributes(s,
			attribute.String(AttrClientID, "web-app"),
			attribute.Int(AttrHTTPStatusCode, 200),
		)
	}},
	{"no attributes", func(s trace.Span) { SetSpanAttributes(s) }},
	{"flow parties", func(s trace.Span) { AddOAuthFlowAttributes(s, "web-app", "user-1", "openid email") }},
	{"flow parties partial", func(s trace.Span) { AddOAuthFlowAttributes(s, "web-app", "", "") }},
	{"flow parties empty", func(s trace.Span) { AddOAuthFlowAttributes(s, "", "", "") }},
	{"pkce method", func(s trace.Span) { AddPKCEAttributes(s, "S256") }},
	{"pkce method empty", func(s trace.Span) { AddPKCEAttributes(s, "") }},
	{"token family", func(s trace.Span) { AddTokenFamilyAttributes(s, "family-123", 3) }},
	{"token family empty", func(s trace.Span) { AddTokenFamilyAttributes(s, "", 0) }},
	{"storage operation", func(s trace.Span) { AddStorageAttributes(s, "save_token", "valkey") }},
	{"http request", func(s trace.Span) { AddHTTPAttributes(s, "POST", "/oauth2/token", 200) }},
	{"client ip", func(s trace.Span) { AddSecurityAttributes(s, "192.0.2.10") }},
	{"client ip empty", func(s trace.Span) { AddSecurityAttributes(s, "") }},
}

func TestSpanHelpers_LiveSpan(t *testing.T) {
	inst := newTestInstrumentation(t)
	_, span := inst.Tracer("server").Start(context.Background(), "annotate")
	defer span.End()

	for _, tt := range annotators {
		t.Run(tt.name, func(t *testing.T) {
			tt.call(span)
		})
	}
}

// Instrumentation is optional, so every helper takes nil spans in stride.
func TestSpanHelpers_NilSpan(t *testing.T) {
	for _, tt := range annotators {
		t.Run(tt.name, func(t *testing.T) {
			tt.call(nil)
		})
	}
}
