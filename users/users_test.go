package users

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestUser(t *testing.T, username, password string) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return &User{
		ID:           "user-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
	}
}

func TestNewUser(t *testing.T) {
	user, err := NewUser("alice", "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("NewUser() error = %v", err)
	}

	if user.ID == "" {
		t.Error("NewUser() should assign an ID")
	}
	if user.PasswordHash == "hunter2" {
		t.Error("NewUser() must not store the plaintext password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("hunter2")); err != nil {
		t.Errorf("stored hash does not match the password: %v", err)
	}
}

func TestNewUser_EmptyUsername(t *testing.T) {
	_, err := NewUser("", "a@example.com", "hunter2")
	if err == nil {
		t.Error("NewUser() with empty username should return error")
	}
}

func TestNewUser_EmptyPassword(t *testing.T) {
	_, err := NewUser("alice", "a@example.com", "")
	if err == nil {
		t.Error("NewUser() with empty password should return error")
	}
}

func TestMemoryStore_SaveUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user := newTestUser(t, "alice", "password")
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	got, err := store.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want %q", got.Username, "alice")
	}

	got, err = store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername() error = %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID = %q, want %q", got.ID, user.ID)
	}
}

func TestMemoryStore_SaveUser_UsernameTaken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestUser(t, "alice", "password")
	if err := store.SaveUser(ctx, first); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	second := newTestUser(t, "alice", "other-password")
	second.ID = "different-id"

	err := store.SaveUser(ctx, second)
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("SaveUser() error = %v, want ErrUsernameTaken", err)
	}
}

func TestMemoryStore_SaveUser_Rename(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user := newTestUser(t, "alice", "password")
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	renamed := *user
	renamed.Username = "alice2"
	if err := store.SaveUser(ctx, &renamed); err != nil {
		t.Fatalf("SaveUser() after rename error = %v", err)
	}

	if _, err := store.GetUserByUsername(ctx, "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("old username should be gone, got err = %v", err)
	}
	if _, err := store.GetUserByUsername(ctx, "alice2"); err != nil {
		t.Errorf("new username lookup error = %v", err)
	}
}

func TestMemoryStore_GetUser_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetUser(context.Background(), "nonexistent")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}
}

func TestVerifier_Authenticate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user := newTestUser(t, "alice", "correct-password")
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	verifier := NewVerifier(store)

	got, err := verifier.Authenticate(ctx, "alice", "correct-password")
	if err != nil {
		t.Fatalf("Authenticate() with correct password error = %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID = %q, want %q", got.ID, user.ID)
	}
}

func TestVerifier_Authenticate_WrongPassword(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user := newTestUser(t, "alice", "correct-password")
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	verifier := NewVerifier(store)

	_, err := verifier.Authenticate(ctx, "alice", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifier_Authenticate_UnknownUser(t *testing.T) {
	verifier := NewVerifier(NewMemoryStore())

	_, err := verifier.Authenticate(context.Background(), "nobody", "password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
	}
}

type failingStore struct{}

func (f *failingStore) SaveUser(ctx context.Context, user *User) error { return fmt.Errorf("down") }
func (f *failingStore) GetUser(ctx context.Context, id string) (*User, error) {
	return nil, fmt.Errorf("down")
}
func (f *failingStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return nil, fmt.Errorf("down")
}

func TestVerifier_Authenticate_StoreOutage(t *testing.T) {
	verifier := NewVerifier(&failingStore{})

	_, err := verifier.Authenticate(context.Background(), "alice", "password")
	if err == nil {
		t.Fatal("Authenticate() with failing store should return error")
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Error("store outage must not be reported as invalid credentials")
	}
}
