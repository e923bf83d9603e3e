package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// newCapturedAuditor returns an enabled auditor whose output can be
// inspected after the fact
func newCapturedAuditor(t *testing.T) (*Auditor, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	return NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true), &buf
}

func TestNewAuditor_NilLoggerGetsDefault(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("nil logger should be replaced with the default")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogEvent(Event{Type: "test_event", UserID: "user-123"})

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	auditor, buf := newCapturedAuditor(t)

	auditor.LogEvent(Event{
		Type:      "test_event",
		UserID:    "user-123",
		ClientID:  "client-456",
		IPAddress: "192.168.1.1",
		Details:   map[string]any{"key": "value"},
	})

	out := buf.String()
	for _, want := range []string{"security_audit", "test_event", "client-456", "192.168.1.1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	auditor, buf := newCapturedAuditor(t)

	auditor.LogEvent(Event{Type: "test_event", UserID: "alice@example.com"})

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("raw user ID leaked into the log")
	}
	if !strings.Contains(out, "user_id_hash") {
		t.Error("hashed user ID missing from the log")
	}
}

// Every helper must stamp its record with the right event type. One row per
// helper keeps this exhaustive as helpers are added.
func TestAuditor_Emitters(t *testing.T) {
	emitters := []struct {
		event string
		emit  func(a *Auditor)
	}{
		{EventAuthorizationCodeIssued, func(a *Auditor) {
			a.LogAuthorizationCodeIssued("user-123", "client-456", "192.168.1.1", "openid email")
		}},
		{EventAuthorizationCodeReuseDetected, func(a *Auditor) {
			a.LogCodeReuse("user-123", "client-456", "192.168.1.1", 3)
		}},
		{EventConsentDenied, func(a *Auditor) {
			a.LogConsentDenied("client-456", "192.168.1.1")
		}},
		{EventLoginFailure, func(a *Auditor) {
			a.LogLoginFailure("alice", "client-456", "192.168.1.1")
		}},
		{EventTokenIssued, func(a *Auditor) {
			a.LogTokenIssued("user-123", "client-456", "192.168.1.1", "openid email")
		}},
		{EventTokenRefreshed, func(a *Auditor) {
			a.LogTokenRefreshed("user-123", "client-456", "192.168.1.1", 2)
		}},
		{EventTokenRevoked, func(a *Auditor) {
			a.LogTokenRevoked("user-123", "client-456", "192.168.1.1", "refresh_token")
		}},
		{EventRefreshTokenReuseDetected, func(a *Auditor) {
			a.LogRefreshTokenReuse("user-123", "client-456", "192.168.1.1", "family-789")
		}},
		{EventAuthFailure, func(a *Auditor) {
			a.LogAuthFailure("user-123", "client-456", "192.168.1.1", "invalid credentials")
		}},
		{EventRateLimitExceeded, func(a *Auditor) {
			a.LogRateLimitExceeded("192.168.1.1", "/oauth2/token")
		}},
		{EventPKCEValidationFailed, func(a *Auditor) {
			a.LogPKCEFailure("client-456", "192.168.1.1", "challenge mismatch")
		}},
		{EventInvalidRedirect, func(a *Auditor) {
			a.LogInvalidRedirect("client-456", "192.168.1.1", "https://evil.example.com/cb")
		}},
		{EventScopeEscalationAttempt, func(a *Auditor) {
			a.LogScopeEscalation("client-456", "192.168.1.1", "openid email admin")
		}},
	}

	for _, tc := range emitters {
		t.Run(tc.event, func(t *testing.T) {
			auditor, buf := newCapturedAuditor(t)
			tc.emit(auditor)

			out := buf.String()
			if out == "" {
				t.Fatal("helper produced no log output")
			}
			if !strings.Contains(out, tc.event) {
				t.Errorf("log output missing event type %q: %s", tc.event, out)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf(`hashForLogging("") = %q, want "<empty>"`, got)
	}

	got := hashForLogging("sensitive-data")
	if got == "sensitive-data" {
		t.Error("input echoed back unhashed")
	}
	if len(got) != 16 {
		t.Errorf("hash length = %d, want 16", len(got))
	}
	if got != hashForLogging("sensitive-data") {
		t.Error("same input hashed to different values")
	}
	if got == hashForLogging("other-data") {
		t.Error("different inputs hashed to the same value")
	}
}
