// Package util provides small helpers shared across the library.
//
// Key utilities:
//   - SafeTruncate: truncates token material for logging without panicking
//   - NormalizeURL: strips trailing slashes so issuer and endpoint URLs
//     compare and concatenate cleanly
//   - ClassifyIP / IsLoopbackHostname: IP screening for redirect URI
//     validation (loopback allowance for native apps, link-local refusal)
package util
