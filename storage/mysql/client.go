package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Saving an existing client ID
// overwrites the previous registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oauth_client (
            client_id,
            client_secret_hash,
            client_type,
            redirect_uris,
            scopes,
            client_name,
            created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            client_secret_hash = VALUES(client_secret_hash),
            client_type = VALUES(client_type),
            redirect_uris = VALUES(redirect_uris),
            scopes = VALUES(scopes),
            client_name = VALUES(client_name)
    `,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		joinList(client.RedirectURIs),
		joinList(client.Scopes),
		client.ClientName,
		client.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert client %s: %w", client.ClientID, err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns the client registered under clientID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		client       storage.Client
		redirectURIs string
		scopes       string
	)

	err := s.db.QueryRowContext(ctx, `
        SELECT client_id, client_secret_hash, client_type, redirect_uris, scopes, client_name, created_at
        FROM oauth_client
        WHERE client_id = ?
    `, clientID).Scan(
		&client.ClientID,
		&client.ClientSecretHash,
		&client.ClientType,
		&redirectURIs,
		&scopes,
		&client.ClientName,
		&client.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Generic not-found error prevents client enumeration
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("query client: %w", err)
	}

	client.RedirectURIs = splitList(redirectURIs)
	client.Scopes = splitList(scopes)

	return &client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations so a caller cannot tell an unknown client
// apart from a known client with a wrong secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Pre-computed dummy hash for non-existent clients. The timing defense
	// comes from always performing the bcrypt comparison, not from the hash
	// value itself.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.IsPublic() {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform the bcrypt comparison, even when the lookup failed
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients do not authenticate with a secret; the caller enforces
	// PKCE for them instead
	if isPublicClient && err == nil {
		return nil
	}

	// Generic errors prevent distinguishing "client not found" from
	// "wrong secret"
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidClientSecret, errInvalidCredentials)
	}

	if bcryptErr != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidClientSecret, errInvalidCredentials)
	}

	return nil
}

// ListClients returns every registered client
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT client_id, client_secret_hash, client_type, redirect_uris, scopes, client_name, created_at
        FROM oauth_client
        ORDER BY client_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		var (
			client       storage.Client
			redirectURIs string
			scopes       string
		)
		if err := rows.Scan(
			&client.ClientID,
			&client.ClientSecretHash,
			&client.ClientType,
			&redirectURIs,
			&scopes,
			&client.ClientName,
			&client.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}

		client.RedirectURIs = splitList(redirectURIs)
		client.Scopes = splitList(scopes)
		clients = append(clients, &client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}

	return clients, nil
}

// joinList stores a string slice as a space-separated TEXT column.
// Safe for scopes and redirect URIs: neither may contain a raw space.
func joinList(values []string) string {
	return strings.Join(values, " ")
}

// splitList is the inverse of joinList
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Fields(value)
}
