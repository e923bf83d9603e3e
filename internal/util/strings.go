package util

import "strings"

// SafeTruncate truncates a string to maxLen bytes without panicking.
// Returns the original string if it is shorter than maxLen. Used when
// logging token material, where only a short prefix may be shown.
//
// A negative maxLen is treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                 // Returns: "short"
//	SafeTruncate("test", -1)                  // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// Applied to the configured issuer so that metadata endpoint URLs can be
// built by plain concatenation and issuer comparisons are slash-insensitive.
//
// Example:
//
//	NormalizeURL("https://auth.example.com/")   // Returns: "https://auth.example.com"
//	NormalizeURL("https://auth.example.com")    // Returns: "https://auth.example.com"
//	NormalizeURL("https://auth.example.com///") // Returns: "https://auth.example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
