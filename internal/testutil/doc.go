// Package testutil provides testing utilities, mock implementations, and test
// fixtures for the grantkit library. It includes helpers for creating test
// data, assertions, and form-encoded test requests.
package testutil
