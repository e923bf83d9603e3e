package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code.
// The key carries a TTL matching the code expiry so expired codes disappear
// on their own.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.setMarshaled(ctx, s.codeKey(code.Code), toAuthorizationCodeJSON(code), ttl); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// The exchange path must go through ConsumeAuthorizationCode, whose Lua
// script marks the code atomically; a read here guarantees nothing.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	authCode, err := fetchRecord(ctx, s, s.codeKey(code),
		storage.ErrAuthorizationCodeNotFound, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}

	// TTL should handle expiry, but double-check
	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: past expiry", storage.ErrAuthorizationCodeExpired)
	}

	return authCode, nil
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks
// it as used. The consume script guarantees only ONE concurrent request
// succeeds.
//
// On reuse the record is returned alongside ErrAuthorizationCodeUsed so the
// caller can revoke tokens derived from the first exchange. For not-found
// and expired, nil is returned to prevent information leakage.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	outcome, payload, err := s.runConsumeScript(ctx, s.codeKey(code), "used")
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch outcome {
	case consumeMissing:
		return nil, storage.ErrAuthorizationCodeNotFound
	case consumeExpired:
		return nil, fmt.Errorf("%w: past expiry", storage.ErrAuthorizationCodeExpired)
	case consumeReused:
		record, err := decodeAuthorizationCode(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: reused record unreadable", storage.ErrAuthorizationCodeUsed)
		}
		return record, storage.ErrAuthorizationCodeUsed
	}

	record, err := decodeAuthorizationCode(payload)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	return record, nil
}

// decodeAuthorizationCode parses a stored authorization code record
func decodeAuthorizationCode(data string) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.deleteKey(ctx, s.codeKey(code), "authorization code"); err != nil {
		return err
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}
