package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.rate != 10 || rl.burst != 20 {
		t.Errorf("rate/burst = %d/%d, want 10/20", rl.rate, rl.burst)
	}
	if rl.maxEntries != DefaultMaxRateLimitEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultMaxRateLimitEntries)
	}
	if rl.logger == nil {
		t.Error("nil logger should be replaced with the default")
	}
}

func TestRateLimiter_BurstThenLimit(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("caller") {
			t.Fatalf("request %d inside the burst was rejected", i+1)
		}
	}
	if rl.Allow("caller") {
		t.Error("request past the burst was allowed")
	}
}

func TestRateLimiter_PerIdentifierBuckets(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	rl.Allow("first")
	rl.Allow("first")
	if rl.Allow("first") {
		t.Error("exhausted identifier was allowed")
	}

	// Another identifier draws from its own bucket
	if !rl.Allow("second") {
		t.Error("fresh identifier was rejected")
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	// 2 tokens per second, burst of 2
	rl := NewRateLimiter(2, 2, slog.Default())
	defer rl.Stop()

	rl.Allow("caller")
	rl.Allow("caller")
	if rl.Allow("caller") {
		t.Fatal("request past the burst was allowed")
	}

	// 550ms is enough for one token at 2 req/s
	time.Sleep(550 * time.Millisecond)

	if !rl.Allow("caller") {
		t.Error("no token available after refill interval")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 20, 3, slog.Default())
	defer rl.Stop()

	rl.Allow("id-1")
	rl.Allow("id-2")
	rl.Allow("id-3")

	// Touch id-1 so id-2 becomes the oldest
	rl.Allow("id-1")

	// A fourth identifier forces an eviction
	rl.Allow("id-4")

	rl.mu.RLock()
	_, has1 := rl.entries["id-1"]
	_, has2 := rl.entries["id-2"]
	_, has4 := rl.entries["id-4"]
	count := len(rl.entries)
	rl.mu.RUnlock()

	if count != 3 {
		t.Errorf("entry count = %d, want 3", count)
	}
	if !has1 {
		t.Error("recently used id-1 should not be evicted")
	}
	if has2 {
		t.Error("least recently used id-2 should be evicted")
	}
	if !has4 {
		t.Error("new id-4 should be tracked")
	}

	stats := rl.GetStats()
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
}

// backdate rewrites lastAccess on selected entries so the sweep sees them
// as idle
func backdate(rl *RateLimiter, match func(id string) bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, elem := range rl.entries {
		if match(id) {
			elem.Value.(*bucketEntry).lastAccess = time.Now().Add(-1 * time.Hour)
		}
	}
}

func TestRateLimiter_CleanupSweep(t *testing.T) {
	t.Run("drops idle entries", func(t *testing.T) {
		rl := NewRateLimiter(10, 20, slog.Default())
		defer rl.Stop()

		rl.Allow("id-1")
		rl.Allow("id-2")
		rl.Allow("id-3")

		backdate(rl, func(string) bool { return true })
		rl.Cleanup(30 * time.Minute)

		rl.mu.RLock()
		remaining := len(rl.entries)
		rl.mu.RUnlock()

		if remaining != 0 {
			t.Errorf("%d entries survived the sweep, want 0", remaining)
		}
	})

	t.Run("keeps active entries", func(t *testing.T) {
		rl := NewRateLimiter(10, 20, slog.Default())
		defer rl.Stop()

		rl.Allow("idle")
		rl.Allow("active")

		backdate(rl, func(id string) bool { return id == "idle" })
		rl.Cleanup(30 * time.Minute)

		rl.mu.RLock()
		remaining := len(rl.entries)
		_, hasActive := rl.entries["active"]
		rl.mu.RUnlock()

		if remaining != 1 || !hasActive {
			t.Errorf("want only the active entry to survive, got %d entries (active present: %v)",
				remaining, hasActive)
		}
	})
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 100, slog.Default())
	defer rl.Stop()

	// Passes when the race detector finds nothing
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			identifier := fmt.Sprintf("identifier-%d", id)
			for j := 0; j < 10; j++ {
				rl.Allow(identifier)
			}
		}(i)
	}
	wg.Wait()
}

func TestRateLimiter_GetStats(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 20, 100, slog.Default())
	defer rl.Stop()

	rl.Allow("id-1")
	rl.Allow("id-2")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.MaxEntries != 100 {
		t.Errorf("MaxEntries = %d, want 100", stats.MaxEntries)
	}
	if stats.MemoryPressure != 2.0 {
		t.Errorf("MemoryPressure = %v, want 2.0", stats.MemoryPressure)
	}
}

func TestRateLimiter_Stop(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())

	rl.Stop()

	// A second Stop must not panic
	rl.Stop()
}
