// Package mock provides mock implementations of storage interfaces for testing.
//
// Every method delegates to an overridable Func field so tests can inject
// failures per call; the defaults behave like a small in-memory store.
// CallCounts records invocations by method name.
package mock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/storage"
)

// MockClientStore is a mock implementation of ClientStore for testing
type MockClientStore struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client

	SaveClientFunc     func(ctx context.Context, client *storage.Client) error
	GetClientFunc      func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateSecretFunc func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc    func(ctx context.Context) ([]*storage.Client, error)

	countMu    sync.Mutex
	CallCounts map[string]int
}

// NewMockClientStore creates a new mock client store
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{
		clients:    make(map[string]*storage.Client),
		CallCounts: make(map[string]int),
	}

	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clients[client.ClientID] = client
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, storage.ErrClientNotFound
		}
		return client, nil
	}

	m.ValidateSecretFunc = func(_ context.Context, clientID, clientSecret string) error {
		// Same timing for unknown clients as for known clients with a
		// wrong secret: always run one bcrypt comparison.
		dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

		m.mu.RLock()
		client, ok := m.clients[clientID]
		m.mu.RUnlock()

		hash := dummyHash
		if ok && client.ClientSecretHash != "" {
			hash = client.ClientSecretHash
		}
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret))
		if !ok || client.ClientSecretHash == "" || err != nil {
			return storage.ErrInvalidClientSecret
		}
		return nil
	}

	m.ListClientsFunc = func(_ context.Context) ([]*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		clients := make([]*storage.Client, 0, len(m.clients))
		for _, c := range m.clients {
			clients = append(clients, c)
		}
		return clients, nil
	}

	return m
}

// SaveClient saves a registered client
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient returns the client registered under clientID
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// ValidateClientSecret validates a client's secret
func (m *MockClientStore) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.count("ValidateClientSecret")
	return m.ValidateSecretFunc(ctx, clientID, clientSecret)
}

// ListClients lists all registered clients
func (m *MockClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.count("ListClients")
	return m.ListClientsFunc(ctx)
}

// ResetCallCounts zeroes the per-method counters
func (m *MockClientStore) ResetCallCounts() {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.CallCounts = make(map[string]int)
}

func (m *MockClientStore) count(method string) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.CallCounts[method]++
}

// MockFlowStore is a mock implementation of FlowStore for testing
type MockFlowStore struct {
	mu    sync.Mutex
	codes map[string]*storage.AuthorizationCode

	SaveCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	GetCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteCodeFunc  func(ctx context.Context, code string) error

	countMu    sync.Mutex
	CallCounts map[string]int
}

// NewMockFlowStore creates a new mock flow store
func NewMockFlowStore() *MockFlowStore {
	m := &MockFlowStore{
		codes:      make(map[string]*storage.AuthorizationCode),
		CallCounts: make(map[string]int),
	}

	m.SaveCodeFunc = func(_ context.Context, code *storage.AuthorizationCode) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *code
		m.codes[code.Code] = &cp
		return nil
	}

	m.GetCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		ac, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		cp := *ac
		return &cp, nil
	}

	m.ConsumeCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		ac, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		if time.Now().After(ac.ExpiresAt) {
			delete(m.codes, code)
			return nil, storage.ErrAuthorizationCodeExpired
		}
		if ac.Used {
			cp := *ac
			return &cp, storage.ErrAuthorizationCodeUsed
		}
		ac.Used = true
		cp := *ac
		return &cp, nil
	}

	m.DeleteCodeFunc = func(_ context.Context, code string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.codes, code)
		return nil
	}

	return m
}

// SaveAuthorizationCode saves an issued authorization code
func (m *MockFlowStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("SaveAuthorizationCode")
	return m.SaveCodeFunc(ctx, code)
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (m *MockFlowStore) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.count("GetAuthorizationCode")
	return m.GetCodeFunc(ctx, code)
}

// ConsumeAuthorizationCode atomically validates and marks a code used
func (m *MockFlowStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.count("ConsumeAuthorizationCode")
	return m.ConsumeCodeFunc(ctx, code)
}

// DeleteAuthorizationCode removes an authorization code
func (m *MockFlowStore) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.count("DeleteAuthorizationCode")
	return m.DeleteCodeFunc(ctx, code)
}

// ResetCallCounts zeroes the per-method counters
func (m *MockFlowStore) ResetCallCounts() {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.CallCounts = make(map[string]int)
}

func (m *MockFlowStore) count(method string) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.CallCounts[method]++
}

// MockTokenStore is a mock implementation of TokenStore for testing.
// It also implements RefreshTokenFamilyStore and TokenRevocationStore so
// rotation and reuse-detection paths can be exercised against it.
type MockTokenStore struct {
	mu            sync.Mutex
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	families      map[string]*storage.RefreshTokenFamily

	SaveAccessTokenFunc    func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc     func(ctx context.Context, token string) (*storage.AccessToken, error)
	DeleteAccessTokenFunc  func(ctx context.Context, token string) error
	SaveRefreshTokenFunc   func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc    func(ctx context.Context, token string) (*storage.RefreshToken, error)
	ConsumeRefreshFunc     func(ctx context.Context, token string) (*storage.RefreshToken, error)
	DeleteRefreshTokenFunc func(ctx context.Context, token string) error
	SaveFamilyFunc         func(ctx context.Context, family *storage.RefreshTokenFamily) error
	GetFamilyFunc          func(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error)
	RevokeFamilyFunc       func(ctx context.Context, familyID string) error
	RevokeUserClientFunc   func(ctx context.Context, userID, clientID string) (int, error)

	countMu    sync.Mutex
	CallCounts map[string]int
}

// NewMockTokenStore creates a new mock token store
func NewMockTokenStore() *MockTokenStore {
	m := &MockTokenStore{
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		families:      make(map[string]*storage.RefreshTokenFamily),
		CallCounts:    make(map[string]int),
	}

	m.SaveAccessTokenFunc = func(_ context.Context, token *storage.AccessToken) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *token
		m.accessTokens[token.Token] = &cp
		return nil
	}

	m.GetAccessTokenFunc = func(_ context.Context, token string) (*storage.AccessToken, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		at, ok := m.accessTokens[token]
		if !ok {
			return nil, storage.ErrTokenNotFound
		}
		if time.Now().After(at.ExpiresAt) {
			return nil, storage.ErrTokenExpired
		}
		cp := *at
		return &cp, nil
	}

	m.DeleteAccessTokenFunc = func(_ context.Context, token string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.accessTokens, token)
		return nil
	}

	m.SaveRefreshTokenFunc = func(_ context.Context, token *storage.RefreshToken) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *token
		m.refreshTokens[token.Token] = &cp
		return nil
	}

	m.GetRefreshTokenFunc = func(_ context.Context, token string) (*storage.RefreshToken, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		rt, ok := m.refreshTokens[token]
		if !ok {
			return nil, storage.ErrRefreshTokenNotFound
		}
		cp := *rt
		return &cp, nil
	}

	m.ConsumeRefreshFunc = func(_ context.Context, token string) (*storage.RefreshToken, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		rt, ok := m.refreshTokens[token]
		if !ok {
			return nil, storage.ErrRefreshTokenNotFound
		}
		if !rt.ExpiresAt.IsZero() && time.Now().After(rt.ExpiresAt) {
			return nil, storage.ErrTokenExpired
		}
		if rt.Consumed {
			cp := *rt
			return &cp, storage.ErrRefreshTokenReused
		}
		rt.Consumed = true
		cp := *rt
		return &cp, nil
	}

	m.DeleteRefreshTokenFunc = func(_ context.Context, token string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.refreshTokens, token)
		return nil
	}

	m.SaveFamilyFunc = func(_ context.Context, family *storage.RefreshTokenFamily) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *family
		m.families[family.FamilyID] = &cp
		return nil
	}

	m.GetFamilyFunc = func(_ context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		f, ok := m.families[familyID]
		if !ok {
			return nil, storage.ErrRefreshTokenFamilyNotFound
		}
		cp := *f
		return &cp, nil
	}

	m.RevokeFamilyFunc = func(_ context.Context, familyID string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		f, ok := m.families[familyID]
		if !ok {
			return storage.ErrRefreshTokenFamilyNotFound
		}
		f.Revoked = true
		f.RevokedAt = time.Now()
		for token, rt := range m.refreshTokens {
			if rt.FamilyID == familyID {
				delete(m.refreshTokens, token)
			}
		}
		return nil
	}

	m.RevokeUserClientFunc = func(_ context.Context, userID, clientID string) (int, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		revoked := 0
		for token, at := range m.accessTokens {
			if at.UserID == userID && at.ClientID == clientID {
				delete(m.accessTokens, token)
				revoked++
			}
		}
		for token, rt := range m.refreshTokens {
			if rt.UserID == userID && rt.ClientID == clientID {
				delete(m.refreshTokens, token)
				revoked++
			}
		}
		return revoked, nil
	}

	return m
}

// SaveAccessToken saves an issued access token
func (m *MockTokenStore) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.count("SaveAccessToken")
	return m.SaveAccessTokenFunc(ctx, token)
}

// GetAccessToken retrieves an access token
func (m *MockTokenStore) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.count("GetAccessToken")
	return m.GetAccessTokenFunc(ctx, token)
}

// DeleteAccessToken removes an access token
func (m *MockTokenStore) DeleteAccessToken(ctx context.Context, token string) error {
	m.count("DeleteAccessToken")
	return m.DeleteAccessTokenFunc(ctx, token)
}

// SaveRefreshToken saves an issued refresh token
func (m *MockTokenStore) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.count("SaveRefreshToken")
	return m.SaveRefreshTokenFunc(ctx, token)
}

// GetRefreshToken retrieves a refresh token without consuming it
func (m *MockTokenStore) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.count("GetRefreshToken")
	return m.GetRefreshTokenFunc(ctx, token)
}

// ConsumeRefreshToken atomically retrieves a refresh token and marks it consumed
func (m *MockTokenStore) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.count("ConsumeRefreshToken")
	return m.ConsumeRefreshFunc(ctx, token)
}

// DeleteRefreshToken removes a refresh token
func (m *MockTokenStore) DeleteRefreshToken(ctx context.Context, token string) error {
	m.count("DeleteRefreshToken")
	return m.DeleteRefreshTokenFunc(ctx, token)
}

// SaveRefreshTokenFamily records or updates family metadata
func (m *MockTokenStore) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	m.count("SaveRefreshTokenFamily")
	return m.SaveFamilyFunc(ctx, family)
}

// GetRefreshTokenFamily retrieves family metadata by family ID
func (m *MockTokenStore) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	m.count("GetRefreshTokenFamily")
	return m.GetFamilyFunc(ctx, familyID)
}

// RevokeRefreshTokenFamily marks a family revoked and deletes its live tokens
func (m *MockTokenStore) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	m.count("RevokeRefreshTokenFamily")
	return m.RevokeFamilyFunc(ctx, familyID)
}

// RevokeTokensForUserClient revokes all tokens for a user+client pair
func (m *MockTokenStore) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.count("RevokeTokensForUserClient")
	return m.RevokeUserClientFunc(ctx, userID, clientID)
}

// ResetCallCounts zeroes the per-method counters
func (m *MockTokenStore) ResetCallCounts() {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.CallCounts = make(map[string]int)
}

func (m *MockTokenStore) count(method string) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.CallCounts[method]++
}
