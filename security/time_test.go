package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"long expired", now.Add(-time.Hour), true},
		{"far from expiry", now.Add(time.Hour), false},
		{"just past expiry, inside default grace", now.Add(-2 * time.Second), false},
		{"past expiry and past grace", now.Add(-DefaultClockSkewGracePeriod - 2*time.Second), true},
		{"zero expiry never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"inside custom grace", now.Add(-8 * time.Second), 10 * time.Second, false},
		{"outside custom grace", now.Add(-12 * time.Second), 10 * time.Second, true},
		{"zero grace is strict", now.Add(-time.Second), 0, true},
		{"generous grace keeps stale token alive", now.Add(-time.Minute), 2 * time.Minute, false},
		{"zero expiry ignores grace", time.Time{}, 10 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiredWithGracePeriod(tt.expiresAt, tt.grace); got != tt.want {
				t.Errorf("IsTokenExpiredWithGracePeriod(%v, %v) = %v, want %v",
					tt.expiresAt, tt.grace, got, tt.want)
			}
		})
	}
}

// Grace extends the honored lifetime but never shortens it: any token
// alive under a strict check stays alive under every grace period.
func TestGracePeriodOnlyExtends(t *testing.T) {
	expiresAt := time.Now().Add(time.Minute)

	for _, grace := range []time.Duration{0, time.Second, DefaultClockSkewGracePeriod, time.Hour} {
		if IsTokenExpiredWithGracePeriod(expiresAt, grace) {
			t.Errorf("live token reported expired with grace %v", grace)
		}
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		threshold time.Duration
		want      bool
	}{
		{"inside refresh window", now.Add(30 * time.Second), time.Minute, true},
		{"outside refresh window", now.Add(time.Hour), time.Minute, false},
		{"already expired counts as soon", now.Add(-time.Second), time.Minute, true},
		{"zero expiry is never soon", time.Time{}, time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiringSoon(tt.expiresAt, tt.threshold); got != tt.want {
				t.Errorf("IsTokenExpiringSoon(%v, %v) = %v, want %v",
					tt.expiresAt, tt.threshold, got, tt.want)
			}
		})
	}
}
