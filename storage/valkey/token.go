package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token with optional claims
// encryption. The key carries a TTL matching the token expiry.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	if token.UserID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	if err := validateStringLength(token.Token, MaxTokenLength, "token"); err != nil {
		return err
	}
	if err := validateStringLength(token.UserID, MaxIDLength, "userID"); err != nil {
		return err
	}

	j := toAccessTokenJSON(token)
	if err := s.encryptClaims(j); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	if err := s.setMarshaled(ctx, s.accessTokenKey(token.Token), j, ttl); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	// Track for bulk revocation by user+client
	s.addTokenToUserClientSet(ctx, token.Token, token.UserID, token.ClientID, ttl)

	s.logger.Debug("Saved access token",
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"token_prefix", safeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves an access token and decrypts claims if necessary.
// TTL handles expiry, but the record's own timestamp is double-checked.
func (s *Store) GetAccessToken(ctx context.Context, tokenValue string) (*storage.AccessToken, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessTokenKey(tokenValue)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	if err := s.decryptClaims(&j); err != nil {
		return nil, err
	}

	token := fromAccessTokenJSON(&j)

	if time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}

	return token, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, tokenValue string) error {
	if err := s.deleteKey(ctx, s.accessTokenKey(tokenValue), "access token"); err != nil {
		return err
	}

	s.logger.Debug("Deleted access token",
		"token_prefix", safeTruncate(tokenValue, tokenIDLogLength))
	return nil
}

// SaveRefreshToken saves an issued refresh token and indexes it for family
// and user+client revocation.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if token.UserID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	if err := validateStringLength(token.Token, MaxTokenLength, "token"); err != nil {
		return err
	}
	if err := validateStringLength(token.UserID, MaxIDLength, "userID"); err != nil {
		return err
	}
	if err := validateStringLength(token.FamilyID, MaxIDLength, "familyID"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	if err := s.setMarshaled(ctx, s.refreshTokenKey(token.Token), toRefreshTokenJSON(token), ttl); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	if token.FamilyID != "" {
		s.addTokenToFamilySet(ctx, token.Token, token.FamilyID, ttl)
	}
	s.addTokenToUserClientSet(ctx, token.Token, token.UserID, token.ClientID, ttl)

	s.logger.Debug("Saved refresh token",
		"user_id", token.UserID,
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, tokenValue string) (*storage.RefreshToken, error) {
	token, err := fetchRecord(ctx, s, s.refreshTokenKey(tokenValue),
		storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	return token, nil
}

// ConsumeRefreshToken atomically marks a refresh token consumed. This is the
// rotation primitive: the consume script guarantees only ONE concurrent
// request succeeds. The consumed record stays until its TTL so a later
// presentation is recognized as reuse of a rotated token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenValue string) (*storage.RefreshToken, error) {
	outcome, payload, err := s.runConsumeScript(ctx, s.refreshTokenKey(tokenValue), "consumed")
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	switch outcome {
	case consumeMissing:
		return nil, fmt.Errorf("%w: unknown token", storage.ErrRefreshTokenNotFound)
	case consumeExpired:
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	case consumeReused:
		token, err := decodeRefreshToken(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: reused record unreadable", storage.ErrRefreshTokenReused)
		}
		return token, storage.ErrRefreshTokenReused
	}

	token, err := decodeRefreshToken(payload)
	if err != nil {
		return nil, err
	}

	// Drop the consumed token from the family's live set so family
	// revocation only deletes live tokens; the consumed record itself stays
	// until its TTL so reuse can be recognized.
	if token.FamilyID != "" {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.familyTokensKey(token.FamilyID)).Member(tokenValue).Build(),
		).Error(); err != nil {
			s.logger.Debug("Failed to remove consumed token from family set",
				"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
				"error", err)
		}
	}

	s.logger.Debug("Consumed refresh token",
		"user_id", token.UserID,
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)

	return token, nil
}

// decodeRefreshToken parses a stored refresh token record
func decodeRefreshToken(data string) (*storage.RefreshToken, error) {
	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	return fromRefreshTokenJSON(&j), nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenValue string) error {
	if err := s.deleteKey(ctx, s.refreshTokenKey(tokenValue), "refresh token"); err != nil {
		return err
	}

	s.logger.Debug("Deleted refresh token",
		"token_prefix", safeTruncate(tokenValue, tokenIDLogLength))
	return nil
}

// addTokenToFamilySet adds a token to its family set for family-wide
// revocation. Best effort; failures are logged, not returned.
func (s *Store) addTokenToFamilySet(ctx context.Context, tokenValue, familyID string, ttl time.Duration) {
	familySetKey := s.familyTokensKey(familyID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(familySetKey).Member(tokenValue).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to add token to family set",
			"family_id", safeTruncate(familyID, tokenIDLogLength),
			"error", err)
	}

	// The TTL is refreshed on every save; the newest member lives longest
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(familySetKey).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on family set",
			"family_id", safeTruncate(familyID, tokenIDLogLength),
			"error", err)
	}
}

// addTokenToUserClientSet adds a token to the user+client set for bulk
// revocation. Best effort; failures are logged, not returned.
func (s *Store) addTokenToUserClientSet(ctx context.Context, tokenValue, userID, clientID string, ttl time.Duration) {
	userClientKey := s.userClientKey(userID, clientID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(userClientKey).Member(tokenValue).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to add token to user+client set",
			"user_id", userID,
			"client_id", clientID,
			"error", err)
	}

	// The TTL is refreshed on every save; the newest member lives longest
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(userClientKey).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on user+client set",
			"user_id", userID,
			"client_id", clientID,
			"error", err)
	}
}
