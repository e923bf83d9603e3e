package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// RefreshTokenFamilyStore Implementation
// ============================================================

// SaveRefreshTokenFamily records or updates family metadata
func (s *Store) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("invalid refresh token family")
	}
	if err := validateStringLength(family.FamilyID, MaxIDLength, "familyID"); err != nil {
		return err
	}

	var revokedAt sql.NullTime
	if !family.RevokedAt.IsZero() {
		revokedAt = sql.NullTime{Time: family.RevokedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO refresh_token_family (
            family_id,
            user_id,
            client_id,
            generation,
            issued_at,
            revoked,
            revoked_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            generation = VALUES(generation),
            revoked = VALUES(revoked),
            revoked_at = VALUES(revoked_at)
    `,
		family.FamilyID,
		family.UserID,
		family.ClientID,
		family.Generation,
		family.IssuedAt.UTC(),
		family.Revoked,
		revokedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token family: %w", err)
	}

	return nil
}

// GetRefreshTokenFamily retrieves family metadata by family ID
func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	var (
		family    storage.RefreshTokenFamily
		revokedAt sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
        SELECT family_id, user_id, client_id, generation, issued_at, revoked, revoked_at
        FROM refresh_token_family
        WHERE family_id = ?
    `, familyID).Scan(
		&family.FamilyID,
		&family.UserID,
		&family.ClientID,
		&family.Generation,
		&family.IssuedAt,
		&family.Revoked,
		&revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRefreshTokenFamilyNotFound
		}
		return nil, fmt.Errorf("query refresh token family: %w", err)
	}

	if revokedAt.Valid {
		family.RevokedAt = revokedAt.Time
	}

	return &family, nil
}

// RevokeRefreshTokenFamily marks a family revoked and deletes its live tokens.
// The metadata row is kept (marked revoked) for reuse detection and forensics
// until PurgeExpired removes it after the retention period.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	if familyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}

	family, err := s.GetRefreshTokenFamily(ctx, familyID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
        UPDATE refresh_token_family
        SET revoked = 1, revoked_at = ?
        WHERE family_id = ?
    `, now, familyID); err != nil {
		return fmt.Errorf("mark family revoked: %w", err)
	}

	// Consumed rows are kept so a presentation after revocation still maps
	// back to the revoked family
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM refresh_token
        WHERE family_id = ? AND consumed = 0
    `, familyID)
	if err != nil {
		return fmt.Errorf("delete family tokens: %w", err)
	}

	deleted, _ := res.RowsAffected()

	s.logger.Info("Revoked refresh token family",
		"family_id", safeTruncate(familyID, tokenIDLogLength),
		"user_id", family.UserID,
		"client_id", family.ClientID,
		"tokens_deleted", deleted)
	return nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeTokensForUserClient revokes all access and refresh tokens issued to a
// user+client pair. Called when authorization code reuse is detected.
// Returns the number of tokens revoked.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	// Resolve family IDs before the refresh token rows are deleted
	familyIDs, err := s.familiesForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, err
	}

	var revokedCount int64

	res, err := s.db.ExecContext(ctx, `
        DELETE FROM access_token
        WHERE user_id = ? AND client_id = ?
    `, userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("delete access tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		revokedCount += n
	}

	res, err = s.db.ExecContext(ctx, `
        DELETE FROM refresh_token
        WHERE user_id = ? AND client_id = ? AND consumed = 0
    `, userID, clientID)
	if err != nil {
		return int(revokedCount), fmt.Errorf("delete refresh tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		revokedCount += n
	}

	// Mark families revoked (metadata kept for forensics/detection)
	now := time.Now().UTC()
	for _, familyID := range familyIDs {
		if _, err := s.db.ExecContext(ctx, `
            UPDATE refresh_token_family
            SET revoked = 1, revoked_at = ?
            WHERE family_id = ?
        `, now, familyID); err != nil {
			s.logger.Warn("Failed to mark family revoked during bulk revocation",
				"family_id", safeTruncate(familyID, tokenIDLogLength),
				"error", err)
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Bulk revocation for user and client pair",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount,
			"families_revoked", len(familyIDs))
	}

	return int(revokedCount), nil
}

// familiesForUserClient lists the distinct family IDs among a user+client
// pair's live refresh tokens
func (s *Store) familiesForUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT family_id
        FROM refresh_token
        WHERE user_id = ? AND client_id = ? AND family_id != ''
    `, userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("query token families: %w", err)
	}
	defer rows.Close()

	var familyIDs []string
	for rows.Next() {
		var familyID string
		if err := rows.Scan(&familyID); err != nil {
			return nil, fmt.Errorf("scan family ID: %w", err)
		}
		familyIDs = append(familyIDs, familyID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token families: %w", err)
	}

	return familyIDs, nil
}
