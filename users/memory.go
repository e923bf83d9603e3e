package users

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
// It is suitable for development, testing, and single-instance deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]*User
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory user store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*User),
		byUsername: make(map[string]*User),
	}
}

// SaveUser saves a user. Saving a user whose username belongs to a different
// user fails with ErrUsernameTaken.
func (s *MemoryStore) SaveUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byUsername[user.Username]; ok && existing.ID != user.ID {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
	}

	// Drop a stale username index entry when the user was renamed
	if previous, ok := s.byID[user.ID]; ok && previous.Username != user.Username {
		delete(s.byUsername, previous.Username)
	}

	s.byID[user.ID] = user
	s.byUsername[user.Username] = user
	return nil
}

// GetUser retrieves a user by ID
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}

	userCopy := *user
	return &userCopy, nil
}

// GetUserByUsername retrieves a user by username
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}

	userCopy := *user
	return &userCopy, nil
}
