package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match with
// errors.Is; implementations wrap them with fmt.Errorf("%w: ...") to add
// context.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrAuthorizationCodeNotFound indicates the code does not exist
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeExpired indicates the code exists but is past its TTL
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrAuthorizationCodeUsed indicates the code was already consumed.
	// Stores return the code record alongside this error so the caller can
	// revoke tokens derived from the first exchange.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound indicates the access token does not exist
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token exists but is past its TTL
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshTokenNotFound indicates the refresh token does not exist
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenReused indicates the token was already rotated.
	// Stores return the consumed record alongside this error so the caller
	// can revoke the token family.
	ErrRefreshTokenReused = errors.New("refresh token already used")

	// ErrRefreshTokenFamilyNotFound indicates no family metadata exists
	ErrRefreshTokenFamilyNotFound = errors.New("refresh token family not found")

	// ErrRefreshTokenFamilyRevoked indicates the family was revoked after
	// reuse detection
	ErrRefreshTokenFamilyRevoked = errors.New("refresh token family revoked")
)
