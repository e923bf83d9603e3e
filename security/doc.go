// Package security provides the cross-cutting security pieces of the
// authorization server: audit logging with PII hashing, rate limiting,
// claims encryption at rest, client IP extraction, request ID propagation,
// response security headers, and clock skew handling.
//
// # Audit Logging
//
// The Auditor emits one structured "security_audit" record per event, with
// user identifiers reduced to a truncated SHA-256 hash before they reach
// the log stream. Event type names live in events.go so handlers and
// dashboards agree on spelling.
//
// # Rate Limiting
//
// Two limiters cover the two abuse shapes this server sees:
//
//   - RateLimiter: a per-IP token bucket in front of the authorize and
//     token endpoints, for raw request flood.
//   - LoginRateLimiter: a sliding-window counter of consent form login
//     attempts per IP, for credential stuffing. Successful logins reset
//     the window.
//
// Both bound their memory the same way. At most MaxEntries identifiers are
// tracked; when the cap is hit the least recently used identifier is
// evicted, and a background goroutine sweeps idle entries. The LRU order
// means identifiers making repeated requests (legitimate users, and also
// the attackers worth remembering) outlive one-shot sources.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429 with Retry-After
//	}
//
// GetStats on either limiter exposes entry counts, eviction totals, and
// memory pressure for alerting:
//
//	stats := limiter.GetStats()
//	if stats.MemoryPressure > 80.0 {
//	    logger.Warn("Rate limiter near capacity",
//	        "pressure", stats.MemoryPressure,
//	        "current_entries", stats.CurrentEntries)
//	}
//
// Rapidly growing TotalEvictions usually indicates a distributed source;
// sustained MemoryPressure above 80% means MaxEntries needs raising.
//
// # Claims Encryption
//
// The Encryptor applies AES-256-GCM to identity claims before they are
// written to a store, so a leaked dump exposes opaque token strings but no
// usernames or email addresses. Construction with a nil key disables it,
// making the zero configuration safe for development.
package security
