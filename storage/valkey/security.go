package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// RefreshTokenFamilyStore Implementation
// ============================================================

// SaveRefreshTokenFamily records or updates family metadata. The key TTL is
// refreshed on every save, so an actively rotating family never expires;
// a family with no rotation for the retention period lapses naturally.
func (s *Store) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("invalid refresh token family")
	}

	if err := validateStringLength(family.FamilyID, MaxIDLength, "familyID"); err != nil {
		return err
	}

	if err := s.setMarshaled(ctx, s.familyKey(family.FamilyID),
		toRefreshTokenFamilyJSON(family), s.familyRetentionTTL()); err != nil {
		return fmt.Errorf("failed to save refresh token family: %w", err)
	}

	return nil
}

// GetRefreshTokenFamily retrieves family metadata by family ID
func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	return fetchRecord(ctx, s, s.familyKey(familyID),
		storage.ErrRefreshTokenFamilyNotFound, fromRefreshTokenFamilyJSON)
}

// RevokeRefreshTokenFamily marks a family revoked and deletes its live tokens.
// The metadata entry is kept (marked revoked) for reuse detection and
// forensics until the retention period expires.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	if familyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}

	family, err := s.markFamilyRevoked(ctx, familyID)
	if err != nil {
		return err
	}

	deleted := s.deleteFamilyTokens(ctx, familyID)

	s.logger.Info("Revoked refresh token family",
		"family_id", safeTruncate(familyID, tokenIDLogLength),
		"user_id", family.UserID,
		"client_id", family.ClientID,
		"tokens_deleted", deleted)
	return nil
}

// markFamilyRevoked loads the family metadata, marks it revoked, and writes
// it back with the retention TTL so auditing data survives the revocation.
func (s *Store) markFamilyRevoked(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	family, err := s.GetRefreshTokenFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}

	family.Revoked = true
	family.RevokedAt = time.Now()

	if err := s.setMarshaled(ctx, s.familyKey(familyID),
		toRefreshTokenFamilyJSON(family), s.familyRetentionTTL()); err != nil {
		return nil, fmt.Errorf("failed to mark family revoked: %w", err)
	}

	return family, nil
}

// deleteFamilyTokens deletes every live refresh token tracked in the family
// set, then the set itself. Returns the number of token keys removed.
func (s *Store) deleteFamilyTokens(ctx context.Context, familyID string) int {
	setKey := s.familyTokensKey(familyID)

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		if !isNilError(err) {
			s.logger.Warn("Failed to list family tokens for revocation",
				"family_id", safeTruncate(familyID, tokenIDLogLength),
				"error", err)
		}
		return 0
	}

	deleted := 0
	for _, tokenValue := range members {
		n, err := s.client.Do(ctx,
			s.client.B().Del().Key(s.refreshTokenKey(tokenValue)).Build(),
		).AsInt64()
		if err != nil {
			s.logger.Warn("Failed to delete family token",
				"family_id", safeTruncate(familyID, tokenIDLogLength),
				"token_prefix", safeTruncate(tokenValue, tokenIDLogLength),
				"error", err)
			continue
		}
		deleted += int(n)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(setKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete family token set",
			"family_id", safeTruncate(familyID, tokenIDLogLength),
			"error", err)
	}

	return deleted
}

// familyRetentionTTL converts the configured retention days to a duration
func (s *Store) familyRetentionTTL() time.Duration {
	return time.Duration(s.revokedFamilyRetentionDays) * 24 * time.Hour
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

	setKey := s.userClientKey(userID, clientID)

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list tokens for user+client: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	// Resolve family IDs and consumed tombstones before the refresh token
	// records are deleted
	familyIDs, consumed := s.identifyFamilies(ctx, members)

	revokedCount := s.deleteTokenKeys(ctx, members, consumed)

	for familyID := range familyIDs {
		if _, err := s.markFamilyRevoked(ctx, familyID); err != nil {
			if !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
				s.logger.Warn("Failed to mark family revoked during bulk revocation",
					"family_id", safeTruncate(familyID, tokenIDLogLength),
					"error", err)
			}
		}
		s.deleteFamilyTokens(ctx, familyID)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(setKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete user+client token set",
			"user_id", userID,
			"client_id", clientID,
			"error", err)
	}

	if revokedCount > 0 {
		s.logger.Warn("Bulk revocation for user and client pair",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount,
			"families_revoked", len(familyIDs))
	}

	return revokedCount, nil
}

// identifyFamilies resolves the family IDs of the refresh tokens among the
// given token values, along with the values that are consumed tombstones.
// Must run before those tokens are deleted.
func (s *Store) identifyFamilies(ctx context.Context, tokenValues []string) (map[string]struct{}, map[string]struct{}) {
	families := make(map[string]struct{})
	consumed := make(map[string]struct{})
	for _, tokenValue := range tokenValues {
		data, err := s.client.Do(ctx,
			s.client.B().Get().Key(s.refreshTokenKey(tokenValue)).Build(),
		).ToString()
		if err != nil {
			// Access token or already expired; nothing to resolve
			continue
		}

		token, err := decodeRefreshToken(data)
		if err != nil {
			continue
		}
		if token.FamilyID != "" {
			families[token.FamilyID] = struct{}{}
		}
		if token.Consumed {
			consumed[tokenValue] = struct{}{}
		}
	}
	return families, consumed
}

// deleteTokenKeys deletes the access and refresh keys for each tracked token
// value, returning the number of keys actually removed. Set members do not
// record which kind they are, so both key shapes are tried. Consumed refresh
// tombstones are kept so reuse after revocation still maps to its family.
func (s *Store) deleteTokenKeys(ctx context.Context, tokenValues []string, keepRefresh map[string]struct{}) int {
	deleted := 0
	for _, tokenValue := range tokenValues {
		keys := []string{s.accessTokenKey(tokenValue), s.refreshTokenKey(tokenValue)}
		if _, keep := keepRefresh[tokenValue]; keep {
			keys = keys[:1]
		}
		n, err := s.client.Do(ctx,
			s.client.B().Del().Key(keys...).Build(),
		).AsInt64()
		if err != nil {
			s.logger.Warn("Failed to delete token during bulk revocation",
				"token_prefix", safeTruncate(tokenValue, tokenIDLogLength),
				"error", err)
			continue
		}
		deleted += int(n)
	}
	return deleted
}
