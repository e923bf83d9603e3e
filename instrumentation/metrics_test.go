package instrumentation

import (
	"context"
	"sync"
	"testing"
)

func newTestInstrumentation(t *testing.T) *Instrumentation {
	t.Helper()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

// recorders drives the smoke tests below: every metric helper appears here
// exactly once, so the enabled, disabled, and zero-value passes stay in sync
// as helpers are added.
var recorders = []struct {
	name string
	call func(ctx context.Context, m *Metrics)
}{
	{"http request", func(ctx context.Context, m *Metrics) {
		m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 12.5)
	}},
	{"http error", func(ctx context.Context, m *Metrics) {
		m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 500, 567.8)
	}},
	{"authorization started", func(ctx context.Context, m *Metrics) {
		m.RecordAuthorizationStarted(ctx, "client-1")
	}},
	{"consent approved", func(ctx context.Context, m *Metrics) {
		m.RecordConsentDecision(ctx, "client-1", true)
	}},
	{"consent denied", func(ctx context.Context, m *Metrics) {
		m.RecordConsentDecision(ctx, "client-1", false)
	}},
	{"code issued", func(ctx context.Context, m *Metrics) {
		m.RecordCodeIssued(ctx, "client-1")
	}},
	{"code exchange", func(ctx context.Context, m *Metrics) {
		m.RecordCodeExchange(ctx, "client-1", "S256")
	}},
	{"token refresh", func(ctx context.Context, m *Metrics) {
		m.RecordTokenRefresh(ctx, "client-1")
	}},
	{"token revocation", func(ctx context.Context, m *Metrics) {
		m.RecordTokenRevocation(ctx, "client-1", "refresh_token")
	}},
	{"endpoint rate limit", func(ctx context.Context, m *Metrics) {
		m.RecordRateLimitExceeded(ctx, "ip")
	}},
	{"login rate limit", func(ctx context.Context, m *Metrics) {
		m.RecordRateLimitExceeded(ctx, "login")
	}},
	{"pkce failure", func(ctx context.Context, m *Metrics) {
		m.RecordPKCEValidationFailed(ctx, "mismatch")
	}},
	{"code reuse", func(ctx context.Context, m *Metrics) {
		m.RecordCodeReuseDetected(ctx)
	}},
	{"token reuse", func(ctx context.Context, m *Metrics) {
		m.RecordTokenReuseDetected(ctx)
	}},
	{"login failure", func(ctx context.Context, m *Metrics) {
		m.RecordLoginFailure(ctx, "client-1")
	}},
	{"redirect rejected", func(ctx context.Context, m *Metrics) {
		m.RecordRedirectURIRejected(ctx, "private_ip")
	}},
	{"audit event", func(ctx context.Context, m *Metrics) {
		m.RecordAuditEvent(ctx, "token_issued")
	}},
	{"encryption operation", func(ctx context.Context, m *Metrics) {
		m.RecordEncryptionOperation(ctx, "encrypt", 5.0)
	}},
	{"storage operation", func(ctx context.Context, m *Metrics) {
		m.RecordStorageOperation(ctx, "save_token", "success", 3.2)
	}},
}

func TestMetrics_Recorders(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	for _, r := range recorders {
		t.Run(r.name, func(t *testing.T) {
			// Recording against live instruments must not panic
			r.call(ctx, metrics)
		})
	}
}

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	ctx := context.Background()

	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()
	for _, r := range recorders {
		r.call(ctx, metrics)
	}
}

func TestMetrics_ZeroValueSafe(t *testing.T) {
	// A zero-value Metrics has nil instruments; every helper must still
	// be callable without panicking.
	ctx := context.Background()
	m := &Metrics{}

	for _, r := range recorders {
		r.call(ctx, m)
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				for _, r := range recorders {
					r.call(ctx, metrics)
				}
			}
		}()
	}
	wg.Wait()
}
