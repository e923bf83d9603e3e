package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxLoginAttempts is the default number of consent form login
	// attempts allowed per IP per window
	DefaultMaxLoginAttempts = 10

	// DefaultLoginAttemptWindow is the default sliding window for counting
	// login attempts
	DefaultLoginAttemptWindow = 15 * time.Minute

	// DefaultLoginCleanupInterval is how often the cleanup goroutine runs
	DefaultLoginCleanupInterval = 5 * time.Minute

	// DefaultMaxLoginEntries is the maximum number of IPs to track
	DefaultMaxLoginEntries = 10000
)

// loginEntry tracks login attempt timestamps for an IP address
type loginEntry struct {
	ip         string
	attempts   []time.Time // timestamps of recent login attempts
	lastAccess time.Time
}

// LoginRateLimiter provides time-windowed limiting of consent form login
// attempts per IP, slowing down credential stuffing against the resource
// owner password check. Counting attempts rather than failures keeps the
// limiter outside the authentication path, so it cannot be used to probe
// whether a guess was correct.
type LoginRateLimiter struct {
	entries         map[string]*list.Element // IP -> list element
	lruList         *list.List               // LRU list of *loginEntry
	mu              sync.RWMutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewLoginRateLimiter creates a login rate limiter with default settings
func NewLoginRateLimiter(logger *slog.Logger) *LoginRateLimiter {
	return NewLoginRateLimiterWithConfig(
		DefaultMaxLoginAttempts,
		DefaultLoginAttemptWindow,
		DefaultMaxLoginEntries,
		logger,
	)
}

// NewLoginRateLimiterWithConfig creates a login rate limiter with custom configuration
func NewLoginRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *LoginRateLimiter {
	return newLoginRateLimiterWithCleanupInterval(maxPerWindow, window, maxEntries, DefaultLoginCleanupInterval, logger)
}

// newLoginRateLimiterWithCleanupInterval creates a limiter with a custom cleanup interval (for testing)
func newLoginRateLimiterWithCleanupInterval(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *LoginRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		logger.Warn("Invalid maxPerWindow, using default", "max_per_window", maxPerWindow)
		maxPerWindow = DefaultMaxLoginAttempts
	}
	if window <= 0 {
		logger.Warn("Invalid window, using default", "window", window)
		window = DefaultLoginAttemptWindow
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "max_entries", maxEntries)
		maxEntries = DefaultMaxLoginEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultLoginCleanupInterval
	}

	rl := &LoginRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether a login attempt from the given IP is permitted and
// records it. Returns false once the IP has used up its attempts for the
// current window.
func (rl *LoginRateLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.entries[ip]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*loginEntry)
		entry.lastAccess = now

		// Drop timestamps that have slid out of the window (in place)
		n := 0
		for _, t := range entry.attempts {
			if t.After(windowStart) {
				entry.attempts[n] = t
				n++
			}
		}
		entry.attempts = entry.attempts[:n]

		if len(entry.attempts) >= rl.maxPerWindow {
			rl.totalBlocked++
			rl.logger.Warn("Login attempt limit exceeded",
				"ip", ip,
				"attempts_in_window", len(entry.attempts),
				"max_per_window", rl.maxPerWindow,
				"window", rl.window,
				"total_blocked", rl.totalBlocked)
			return false
		}

		entry.attempts = append(entry.attempts, now)
		rl.totalAllowed++
		return true
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &loginEntry{
		ip:         ip,
		attempts:   []time.Time{now},
		lastAccess: now,
	}
	rl.entries[ip] = rl.lruList.PushFront(entry)

	rl.totalAllowed++
	return true
}

// Reset clears the attempt history for an IP. Called after a successful
// login so legitimate users who mistyped a password a few times are not
// carried toward the limit.
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.entries[ip]; exists {
		rl.lruList.Remove(elem)
		delete(rl.entries, ip)
	}
}

// evictLRU removes the least recently used entry. Callers hold the lock.
func (rl *LoginRateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*loginEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Login rate limiter LRU eviction",
		"ip", entry.ip,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.entries))
}

// cleanupLoop periodically removes inactive entries until Stop is called
func (rl *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries whose last access is older than twice the window
func (rl *LoginRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdleTime := rl.window * 2
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*loginEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.entries, entry.ip)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Swept idle login limiter entries",
			"removed", removed,
			"remaining", len(rl.entries),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *LoginRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// LoginStats holds login rate limiter statistics for monitoring
type LoginStats struct {
	CurrentEntries int     // Current number of tracked IPs
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalBlocked   int64   // Total login attempts blocked
	TotalAllowed   int64   // Total login attempts allowed
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MaxPerWindow   int     // Maximum attempts per window
	Window         string  // Time window duration
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current limiter statistics for monitoring and alerting
func (rl *LoginRateLimiter) GetStats() LoginStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := LoginStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window.String(),
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
