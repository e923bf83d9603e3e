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
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token with optional claims encryption
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

	username, email, err := s.encryptClaims(token.Username, token.Email)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO access_token (
            token,
            user_id,
            username,
            email,
            client_id,
            scope,
            created_at,
            expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		token.Token,
		token.UserID,
		username,
		email,
		token.ClientID,
		token.Scope,
		token.CreatedAt.UTC(),
		token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"token_prefix", safeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves an access token and decrypts claims if necessary
func (s *Store) GetAccessToken(ctx context.Context, tokenValue string) (*storage.AccessToken, error) {
	var token storage.AccessToken

	err := s.db.QueryRowContext(ctx, `
        SELECT token, user_id, username, email, client_id, scope, created_at, expires_at
        FROM access_token
        WHERE token = ?
    `, tokenValue).Scan(
		&token.Token,
		&token.UserID,
		&token.Username,
		&token.Email,
		&token.ClientID,
		&token.Scope,
		&token.CreatedAt,
		&token.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("query access token: %w", err)
	}

	token.Username, token.Email, err = s.decryptClaims(token.Username, token.Email)
	if err != nil {
		return nil, err
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}

	return &token, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, tokenValue string) error {
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM access_token
        WHERE token = ?
    `, tokenValue); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}

	s.logger.Debug("Deleted access token",
		"token_prefix", safeTruncate(tokenValue, tokenIDLogLength))
	return nil
}

// SaveRefreshToken saves an issued refresh token
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

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO refresh_token (
            token,
            user_id,
            client_id,
            scope,
            family_id,
            generation,
            created_at,
            expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		token.Token,
		token.UserID,
		token.ClientID,
		token.Scope,
		token.FamilyID,
		token.Generation,
		token.CreatedAt.UTC(),
		token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"user_id", token.UserID,
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, tokenValue string) (*storage.RefreshToken, error) {
	token, err := scanRefreshToken(s.db.QueryRowContext(ctx, `
        SELECT token, user_id, client_id, scope, family_id, generation, created_at, expires_at, consumed
        FROM refresh_token
        WHERE token = ?
    `, tokenValue))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("query refresh token: %w", err)
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	return token, nil
}

// ConsumeRefreshToken atomically retrieves a refresh token and marks it
// consumed. The row lock taken by SELECT ... FOR UPDATE guarantees only ONE
// concurrent request succeeds. The consumed row is kept until expiry so a
// later presentation is recognized as reuse of a rotated token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenValue string) (*storage.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	token, err := scanRefreshToken(tx.QueryRowContext(ctx, `
        SELECT token, user_id, client_id, scope, family_id, generation, created_at, expires_at, consumed
        FROM refresh_token
        WHERE token = ?
        FOR UPDATE
    `, tokenValue))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown token", storage.ErrRefreshTokenNotFound)
		}
		return nil, fmt.Errorf("lock refresh token: %w", err)
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	if token.Consumed {
		// Return the record for family revocation
		return token, storage.ErrRefreshTokenReused
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE refresh_token
        SET consumed = 1
        WHERE token = ?
    `, tokenValue); err != nil {
		return nil, fmt.Errorf("mark refresh token consumed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume transaction: %w", err)
	}

	s.logger.Debug("Consumed refresh token",
		"user_id", token.UserID,
		"family_id", safeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)

	return token, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenValue string) error {
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM refresh_token
        WHERE token = ?
    `, tokenValue); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}

	s.logger.Debug("Deleted refresh token",
		"token_prefix", safeTruncate(tokenValue, tokenIDLogLength))
	return nil
}

func scanRefreshToken(row rowScanner) (*storage.RefreshToken, error) {
	var token storage.RefreshToken
	if err := row.Scan(
		&token.Token,
		&token.UserID,
		&token.ClientID,
		&token.Scope,
		&token.FamilyID,
		&token.Generation,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.Consumed,
	); err != nil {
		return nil, err
	}
	return &token, nil
}

// encryptClaims encrypts the PII claim fields when an encryptor is configured
func (s *Store) encryptClaims(username, email string) (string, string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return username, email, nil
	}

	if username != "" {
		val, err := enc.Encrypt(username)
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt username claim: %w", err)
		}
		username = val
	}

	if email != "" {
		val, err := enc.Encrypt(email)
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt email claim: %w", err)
		}
		email = val
	}

	return username, email, nil
}

// decryptClaims decrypts the PII claim fields when an encryptor is configured
func (s *Store) decryptClaims(username, email string) (string, string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return username, email, nil
	}

	if username != "" {
		val, err := enc.Decrypt(username)
		if err != nil {
			return "", "", fmt.Errorf("failed to decrypt username claim: %w", err)
		}
		username = val
	}

	if email != "" {
		val, err := enc.Decrypt(email)
		if err != nil {
			return "", "", fmt.Errorf("failed to decrypt email claim: %w", err)
		}
		email = val
	}

	return username, email, nil
}
