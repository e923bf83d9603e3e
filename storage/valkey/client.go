package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client.
// Client records carry no TTL; the registry is long-lived.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	if err := s.setMarshaled(ctx, s.clientKey(client.ClientID), toClientJSON(client), 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns the client registered under clientID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	// Generic not-found error prevents client enumeration
	return fetchRecord(ctx, s, s.clientKey(clientID),
		storage.ErrClientNotFound, fromClientJSON)
}

// ValidateClientSecret validates a client's secret using bcrypt.
// The lookup result never changes which work gets done: the bcrypt
// comparison always runs, so a caller cannot tell an unknown client apart
// from a known client with a wrong secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Stand-in hash compared for clients that do not exist. The timing
	// defense comes from always running the comparison, not from the hash
	// value itself.
	const fallbackHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, lookupErr := s.GetClient(ctx, clientID)

	compareHash := fallbackHash
	public := false
	if lookupErr == nil {
		if client.IsPublic() {
			public = true
		} else if client.ClientSecretHash != "" {
			compareHash = client.ClientSecretHash
		}
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(compareHash), []byte(clientSecret))

	// Public clients do not authenticate with a secret; the caller enforces
	// PKCE for them instead
	if public {
		return nil
	}

	// One generic error for lookup and comparison failures, so neither can
	// be told apart from the other
	if lookupErr != nil || compareErr != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidClientSecret, errInvalidCredentials)
	}

	return nil
}

// ListClients returns every registered client
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var clients []*storage.Client

	err := s.forEachKey(ctx, s.clientKey("*"), func(key string) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				// Deleted between SCAN and GET
				return nil
			}
			return fmt.Errorf("failed to get client %s: %w", key, err)
		}

		var j clientJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to unmarshal client, skipping",
				"key", key,
				"error", err)
			return nil
		}

		clients = append(clients, fromClientJSON(&j))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	return clients, nil
}
