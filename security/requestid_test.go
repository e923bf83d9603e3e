package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
)

func TestGenerateRequestID_FormatAndUniqueness(t *testing.T) {
	// 16 random bytes encode to exactly 22 chars of unpadded base64url
	format := regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := GenerateRequestID()
		if !format.MatchString(id) {
			t.Fatalf("GenerateRequestID() = %q, want 22 chars of base64url", id)
		}
		if !isValidRequestID(id) {
			t.Fatalf("generated ID %q fails the inbound validation it must survive", id)
		}
		if seen[id] {
			t.Fatal("GenerateRequestID() repeated a value")
		}
		seen[id] = true
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")
	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-abc-123")
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() without value = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	long := strings.Repeat("a", 128)

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"plain alphanumeric", "abc123", true},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", true},
		{"underscores and hyphens", "req_ID-123", true},
		{"single char", "a", true},
		{"at the 128 limit", long, true},
		{"over the 128 limit", long + "a", false},
		{"empty", "", false},
		{"crlf header injection", "id\r\nX-Evil: 1", false},
		{"bare newline", "id\n123", false},
		{"null byte", "id\x00123", false},
		{"space", "id 123", false},
		{"html", "<script>alert(1)</script>", false},
		{"aws trace id with equals", "Root=1-67891234-abcdef", false},
		{"slash", "id/123", false},
		{"plus", "id+123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.id); got != tt.want {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func runRequestIDMiddleware(t *testing.T, inbound string) (ctxID, headerID string) {
	t.Helper()

	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/oauth2/token", nil)
	if inbound != "" {
		req.Header.Set(RequestIDHeader, inbound)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return ctxID, rec.Header().Get(RequestIDHeader)
}

func TestRequestIDMiddleware_KeepsValidUpstreamID(t *testing.T) {
	ctxID, headerID := runRequestIDMiddleware(t, "upstream-id-42")

	if ctxID != "upstream-id-42" {
		t.Errorf("context ID = %q, want the upstream value", ctxID)
	}
	if headerID != "upstream-id-42" {
		t.Errorf("echoed header = %q, want the upstream value", headerID)
	}
}

func TestRequestIDMiddleware_ReplacesMissingOrHostileID(t *testing.T) {
	for _, inbound := range []string{
		"",
		"has spaces in it",
		"<script>alert(1)</script>",
		strings.Repeat("a", 129),
	} {
		ctxID, headerID := runRequestIDMiddleware(t, inbound)

		if ctxID == inbound {
			t.Errorf("inbound ID %.20q survived, want a replacement", inbound)
		}
		if len(ctxID) != 22 {
			t.Errorf("replacement ID %q does not look generated", ctxID)
		}

		// Handlers and the response must always see the same ID
		if headerID != ctxID {
			t.Errorf("header ID %q != context ID %q", headerID, ctxID)
		}
	}
}

func TestRequestIDMiddleware_StableWithinRequest(t *testing.T) {
	var seen []string

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, GetRequestID(r.Context()))
	})
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
		inner.ServeHTTP(w, r)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/oauth2/token", nil))

	if len(seen) != 2 || seen[0] == "" || seen[0] != seen[1] {
		t.Fatalf("request ID not stable through the handler chain: %v", seen)
	}
}
