package security

import "time"

// DefaultClockSkewGracePeriod is how far past its expiry a token or code is
// still honored. Machines validating artifacts rarely share an exact clock
// with the machine that stamped them; 5 seconds covers typical NTP drift
// while extending token lifetime by a negligible amount.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry with the default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiresAt means the artifact never expires.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether the artifact expires within threshold
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
