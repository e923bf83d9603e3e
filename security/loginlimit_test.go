package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const testIP = "192.168.1.1"

func TestNewLoginRateLimiter(t *testing.T) {
	rl := NewLoginRateLimiter(slog.Default())
	if rl == nil {
		t.Fatal("expected limiter to be created")
	}
	defer rl.Stop()

	if rl.maxPerWindow != DefaultMaxLoginAttempts {
		t.Errorf("maxPerWindow = %d, want %d", rl.maxPerWindow, DefaultMaxLoginAttempts)
	}
	if rl.window != DefaultLoginAttemptWindow {
		t.Errorf("window = %v, want %v", rl.window, DefaultLoginAttemptWindow)
	}
	if rl.maxEntries != DefaultMaxLoginEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultMaxLoginEntries)
	}
}

func TestNewLoginRateLimiterWithConfig(t *testing.T) {
	logger := slog.Default()

	tests := []struct {
		name         string
		maxPerWindow int
		window       time.Duration
		maxEntries   int
		wantMax      int
		wantWindow   time.Duration
		wantEntries  int
	}{
		{
			name:         "valid config",
			maxPerWindow: 5,
			window:       30 * time.Minute,
			maxEntries:   1000,
			wantMax:      5,
			wantWindow:   30 * time.Minute,
			wantEntries:  1000,
		},
		{
			name:         "invalid maxPerWindow uses default",
			maxPerWindow: 0,
			window:       time.Hour,
			maxEntries:   1000,
			wantMax:      DefaultMaxLoginAttempts,
			wantWindow:   time.Hour,
			wantEntries:  1000,
		},
		{
			name:         "invalid window uses default",
			maxPerWindow: 10,
			window:       0,
			maxEntries:   1000,
			wantMax:      10,
			wantWindow:   DefaultLoginAttemptWindow,
			wantEntries:  1000,
		},
		{
			name:         "negative maxEntries uses default",
			maxPerWindow: 10,
			window:       time.Hour,
			maxEntries:   -1,
			wantMax:      10,
			wantWindow:   time.Hour,
			wantEntries:  DefaultMaxLoginEntries,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewLoginRateLimiterWithConfig(tt.maxPerWindow, tt.window, tt.maxEntries, logger)
			defer rl.Stop()

			if rl.maxPerWindow != tt.wantMax {
				t.Errorf("maxPerWindow: got %d, want %d", rl.maxPerWindow, tt.wantMax)
			}
			if rl.window != tt.wantWindow {
				t.Errorf("window: got %v, want %v", rl.window, tt.wantWindow)
			}
			if rl.maxEntries != tt.wantEntries {
				t.Errorf("maxEntries: got %d, want %d", rl.maxEntries, tt.wantEntries)
			}
		})
	}
}

func TestLoginRateLimiter_Allow(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(3, time.Hour, 10, slog.Default())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow(testIP) {
			t.Errorf("attempt %d should be allowed", i+1)
		}
	}

	if rl.Allow(testIP) {
		t.Error("4th attempt should be blocked")
	}

	stats := rl.GetStats()
	if stats.TotalAllowed != 3 {
		t.Errorf("TotalAllowed = %d, want 3", stats.TotalAllowed)
	}
	if stats.TotalBlocked != 1 {
		t.Errorf("TotalBlocked = %d, want 1", stats.TotalBlocked)
	}
}

func TestLoginRateLimiter_Allow_SeparateIPs(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(2, time.Hour, 10, slog.Default())
	defer rl.Stop()

	ip1 := "203.0.113.1"
	ip2 := "203.0.113.2"

	rl.Allow(ip1)
	rl.Allow(ip1)

	if rl.Allow(ip1) {
		t.Error("ip1 should be blocked after exhausting its attempts")
	}

	// Another IP gets its own budget
	if !rl.Allow(ip2) {
		t.Error("ip2 should be allowed")
	}
}

func TestLoginRateLimiter_WindowSlides(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(2, 200*time.Millisecond, 10, slog.Default())
	defer rl.Stop()

	rl.Allow(testIP)
	rl.Allow(testIP)

	if rl.Allow(testIP) {
		t.Error("attempt inside the window should be blocked")
	}

	// After the window passes the old attempts no longer count
	time.Sleep(250 * time.Millisecond)

	if !rl.Allow(testIP) {
		t.Error("attempt after the window slid should be allowed")
	}
}

func TestLoginRateLimiter_Reset(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(2, time.Hour, 10, slog.Default())
	defer rl.Stop()

	rl.Allow(testIP)
	rl.Allow(testIP)

	if rl.Allow(testIP) {
		t.Error("3rd attempt should be blocked")
	}

	// A successful login clears the history
	rl.Reset(testIP)

	if !rl.Allow(testIP) {
		t.Error("attempt after Reset should be allowed")
	}
}

func TestLoginRateLimiter_Reset_UnknownIP(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(2, time.Hour, 10, slog.Default())
	defer rl.Stop()

	// Must not panic
	rl.Reset("198.51.100.99")
}

func TestLoginRateLimiter_LRUEviction(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(5, time.Hour, 3, slog.Default())
	defer rl.Stop()

	rl.Allow("ip-1")
	rl.Allow("ip-2")
	rl.Allow("ip-3")

	// Touch ip-1 so ip-2 is the oldest
	rl.Allow("ip-1")

	rl.Allow("ip-4")

	rl.mu.RLock()
	_, has2 := rl.entries["ip-2"]
	count := len(rl.entries)
	rl.mu.RUnlock()

	if count != 3 {
		t.Errorf("entry count = %d, want 3", count)
	}
	if has2 {
		t.Error("least recently used ip-2 should be evicted")
	}

	stats := rl.GetStats()
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
}

func TestLoginRateLimiter_Cleanup(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(5, time.Hour, 10, slog.Default())
	defer rl.Stop()

	rl.Allow("ip-1")
	rl.Allow("ip-2")

	// Backdate beyond 2x the window so the sweep removes them
	rl.mu.Lock()
	for _, elem := range rl.entries {
		elem.Value.(*loginEntry).lastAccess = time.Now().Add(-3 * time.Hour)
	}
	rl.mu.Unlock()

	rl.Cleanup()

	rl.mu.RLock()
	count := len(rl.entries)
	rl.mu.RUnlock()

	if count != 0 {
		t.Errorf("entry count after cleanup = %d, want 0", count)
	}
}

func TestLoginRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewLoginRateLimiterWithConfig(100, time.Hour, 1000, slog.Default())
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ip := fmt.Sprintf("203.0.113.%d", id)
			for j := 0; j < 20; j++ {
				rl.Allow(ip)
			}
			rl.Reset(ip)
		}(i)
	}
	wg.Wait()

	// Passes when the race detector finds nothing
}

func TestLoginRateLimiter_Stop(t *testing.T) {
	rl := NewLoginRateLimiter(slog.Default())

	rl.Stop()

	// A second Stop must not panic
	rl.Stop()
}
