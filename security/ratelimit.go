package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRateLimitEntries caps how many identifiers are tracked at once
	DefaultMaxRateLimitEntries = 10000

	// rateLimitCleanupInterval is how often the background sweep runs
	rateLimitCleanupInterval = 5 * time.Minute

	// rateLimitIdleTimeout is how long an identifier may go untouched
	// before the sweep drops it
	rateLimitIdleTimeout = 30 * time.Minute
)

// bucketEntry pairs a token bucket with its LRU bookkeeping
type bucketEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a per-identifier token bucket, typically keyed by
// client IP in front of the authorize and token endpoints. Memory stays
// bounded: at most maxEntries identifiers are tracked, the least recently
// used is evicted when the cap is hit, and a background sweep drops idle
// entries.
type RateLimiter struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used; values are *bucketEntry

	rate       int
	burst      int
	maxEntries int

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// with the given burst, tracking at most DefaultMaxRateLimitEntries
// identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxRateLimitEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom identifier
// cap. maxEntries of 0 disables the cap, which is not recommended for
// production.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "max_entries", maxEntries)
		maxEntries = DefaultMaxRateLimitEntries
	}

	rl := &RateLimiter{
		entries:         make(map[string]*list.Element),
		lru:             list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: rateLimitCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier may proceed,
// consuming one token from its bucket. Unknown identifiers get a fresh
// bucket; when the entry cap is reached the least recently used identifier
// is evicted to make room.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*bucketEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &bucketEntry{
		key:        identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.entries[identifier] = rl.lru.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest removes the least recently used entry. Callers hold the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*bucketEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter evicted least recently used entry",
		"identifier", entry.key,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.entries))
}

// cleanupLoop periodically sweeps idle entries until Stop is called
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rateLimitIdleTimeout)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops entries that have not been touched for maxIdleTime. Allow
// keeps the list in recency order, so the idle entries sit contiguously at
// the back and the sweep stops at the first fresh one.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdleTime)
	removed := 0

	for {
		elem := rl.lru.Back()
		if elem == nil {
			break
		}
		entry := elem.Value.(*bucketEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Swept idle rate limiter entries",
			"removed", removed,
			"remaining", len(rl.entries),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Stats is a point-in-time snapshot of limiter occupancy
type Stats struct {
	CurrentEntries int     // tracked identifiers right now
	MaxEntries     int     // capacity cap, 0 = unlimited
	TotalEvictions int64   // lifetime LRU evictions
	TotalCleanups  int64   // lifetime idle sweeps
	MemoryPressure float64 // CurrentEntries as a percentage of MaxEntries
}

// GetStats returns a snapshot of the limiter's bookkeeping. Rapidly growing
// eviction counts usually mean a distributed source of abuse.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
