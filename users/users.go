package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors returned by user stores and the Verifier.
// Callers match with errors.Is.
var (
	// ErrUserNotFound indicates the user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameTaken indicates another user already has this username
	ErrUsernameTaken = errors.New("username already taken")

	// ErrInvalidCredentials indicates authentication failed. Unknown users
	// and wrong passwords are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User represents a resource owner who can approve authorization requests
type User struct {
	// ID is the stable subject identifier returned as "sub" in userinfo
	ID string

	// Username is the login name presented on the consent form
	Username string

	// Email is the user's email address
	Email string

	// PasswordHash is the bcrypt hash of the user's password
	PasswordHash string

	// CreatedAt is when the user was registered
	CreatedAt time.Time
}

// Store defines the interface for user lookup and registration.
// The engine treats the store as read-only at request time; SaveUser exists
// for startup seeding and tests.
type Store interface {
	// SaveUser saves a user
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// NewUser creates a user with a fresh ID and a bcrypt hash of the given
// password. Intended for startup seeding.
func NewUser(username, email, password string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}, nil
}
