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
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}
	if time.Now().After(code.ExpiresAt) {
		return fmt.Errorf("authorization code already expired")
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO authorization_code (
            code,
            client_id,
            user_id,
            redirect_uri,
            scope,
            code_challenge,
            code_challenge_method,
            created_at,
            expires_at,
            used
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		code.Code,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.CreatedAt.UTC(),
		code.ExpiresAt.UTC(),
		code.Used,
	)
	if err != nil {
		return fmt.Errorf("insert authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// The exchange path must go through ConsumeAuthorizationCode, whose guarded
// UPDATE marks the code atomically; a read here guarantees nothing.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	authCode, err := scanAuthorizationCode(s.db.QueryRowContext(ctx, `
        SELECT code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at, used
        FROM authorization_code
        WHERE code = ?
    `, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("query authorization code: %w", err)
	}

	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: past expiry", storage.ErrAuthorizationCodeExpired)
	}

	return authCode, nil
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks
// it as used. The row lock taken by SELECT ... FOR UPDATE guarantees only
// ONE concurrent request succeeds.
//
// On reuse the record is returned alongside ErrAuthorizationCodeUsed so the
// caller can revoke tokens derived from the first exchange. For not-found
// and expired, nil is returned to prevent information leakage.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	authCode, err := scanAuthorizationCode(tx.QueryRowContext(ctx, `
        SELECT code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, created_at, expires_at, used
        FROM authorization_code
        WHERE code = ?
        FOR UPDATE
    `, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("lock authorization code: %w", err)
	}

	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: past expiry", storage.ErrAuthorizationCodeExpired)
	}

	if authCode.Used {
		// Return the record for reuse detection
		return authCode, storage.ErrAuthorizationCodeUsed
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE authorization_code
        SET used = 1
        WHERE code = ?
    `, code); err != nil {
		return nil, fmt.Errorf("mark authorization code used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume transaction: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM authorization_code
        WHERE code = ?
    `, code); err != nil {
		return fmt.Errorf("delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorizationCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	if err := row.Scan(
		&code.Code,
		&code.ClientID,
		&code.UserID,
		&code.RedirectURI,
		&code.Scope,
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.CreatedAt,
		&code.ExpiresAt,
		&code.Used,
	); err != nil {
		return nil, err
	}
	return &code, nil
}
