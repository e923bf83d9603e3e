package mysql

import (
	"context"
	"fmt"
)

// schemaStatements creates the tables used by the Store. Statements are
// idempotent and executed one at a time, so the connection does not need
// multiStatements enabled.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS oauth_client (
        client_id          VARCHAR(255) NOT NULL,
        client_secret_hash VARCHAR(255) NOT NULL DEFAULT '',
        client_type        VARCHAR(32)  NOT NULL DEFAULT 'confidential',
        redirect_uris      TEXT         NOT NULL,
        scopes             TEXT         NOT NULL,
        client_name        VARCHAR(255) NOT NULL DEFAULT '',
        created_at         DATETIME(6)  NOT NULL,
        PRIMARY KEY (client_id)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS authorization_code (
        code                  VARCHAR(512) NOT NULL,
        client_id             VARCHAR(255) NOT NULL,
        user_id               VARCHAR(255) NOT NULL,
        redirect_uri          TEXT         NOT NULL,
        scope                 TEXT         NOT NULL,
        code_challenge        VARCHAR(255) NOT NULL DEFAULT '',
        code_challenge_method VARCHAR(16)  NOT NULL DEFAULT '',
        created_at            DATETIME(6)  NOT NULL,
        expires_at            DATETIME(6)  NOT NULL,
        used                  TINYINT(1)   NOT NULL DEFAULT 0,
        PRIMARY KEY (code),
        KEY idx_authorization_code_expires (expires_at)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS access_token (
        token      VARCHAR(512) NOT NULL,
        user_id    VARCHAR(255) NOT NULL,
        username   VARCHAR(512) NOT NULL DEFAULT '',
        email      VARCHAR(512) NOT NULL DEFAULT '',
        client_id  VARCHAR(255) NOT NULL,
        scope      TEXT         NOT NULL,
        created_at DATETIME(6)  NOT NULL,
        expires_at DATETIME(6)  NOT NULL,
        PRIMARY KEY (token),
        KEY idx_access_token_user_client (user_id, client_id),
        KEY idx_access_token_expires (expires_at)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS refresh_token (
        token      VARCHAR(512) NOT NULL,
        user_id    VARCHAR(255) NOT NULL,
        client_id  VARCHAR(255) NOT NULL,
        scope      TEXT         NOT NULL,
        family_id  VARCHAR(255) NOT NULL DEFAULT '',
        generation INT          NOT NULL DEFAULT 1,
        created_at DATETIME(6)  NOT NULL,
        expires_at DATETIME(6)  NOT NULL,
        consumed   TINYINT(1)   NOT NULL DEFAULT 0,
        PRIMARY KEY (token),
        KEY idx_refresh_token_user_client (user_id, client_id),
        KEY idx_refresh_token_family (family_id),
        KEY idx_refresh_token_expires (expires_at)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS refresh_token_family (
        family_id  VARCHAR(255) NOT NULL,
        user_id    VARCHAR(255) NOT NULL,
        client_id  VARCHAR(255) NOT NULL,
        generation INT          NOT NULL DEFAULT 1,
        issued_at  DATETIME(6)  NOT NULL,
        revoked    TINYINT(1)   NOT NULL DEFAULT 0,
        revoked_at DATETIME(6)  NULL,
        PRIMARY KEY (family_id),
        KEY idx_refresh_token_family_user_client (user_id, client_id)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates the storage tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
