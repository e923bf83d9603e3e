package users

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// Verifier authenticates resource owners against a Store using bcrypt.
// Uses constant-time operations so a caller cannot tell an unknown username
// apart from a known username with a wrong password.
type Verifier struct {
	store  Store
	logger *slog.Logger
}

// NewVerifier creates a Verifier backed by the given store
func NewVerifier(store Store) *Verifier {
	return &Verifier{
		store:  store,
		logger: slog.Default(),
	}
}

// SetLogger replaces the verifier's logger. Nil is ignored.
func (v *Verifier) SetLogger(logger *slog.Logger) {
	if logger != nil {
		v.logger = logger
	}
}

// Authenticate verifies a username/password pair and returns the user.
// All failures return ErrInvalidCredentials; store outages are returned as-is
// so callers can distinguish "wrong password" from "store down".
func (v *Verifier) Authenticate(ctx context.Context, username, password string) (*User, error) {
	// Pre-computed dummy hash for unknown usernames. Ensures a bcrypt
	// comparison is always performed even when the lookup misses.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	user, err := v.store.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		// Transient store failure, not an authentication verdict
		return nil, err
	}

	hashToCompare := dummyHash
	if err == nil && user.PasswordHash != "" {
		hashToCompare = user.PasswordHash
	}

	// ALWAYS perform the bcrypt comparison, even when the lookup missed
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(password))

	if err != nil || bcryptErr != nil {
		v.logger.Debug("Authentication failed", "username", username)
		return nil, ErrInvalidCredentials
	}

	return user, nil
}
