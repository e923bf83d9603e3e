package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

const (
	// DefaultPort is the default MySQL server port
	DefaultPort = 3306

	// DefaultRevokedFamilyRetentionDays is the default retention period for
	// revoked token family metadata
	DefaultRevokedFamilyRetentionDays = 90

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength matches the token column width
	MaxTokenLength = 512

	// MaxIDLength matches the identifier column width
	MaxIDLength = 255
)

// Validation error messages (generic to prevent information leakage)
var errInvalidCredentials = fmt.Errorf("invalid client credentials")

// Config holds configuration for the MySQL storage backend.
type Config struct {
	// Host is the MySQL server host (required)
	Host string

	// Port is the MySQL server port (default 3306)
	Port int

	// User is the MySQL user name
	User string

	// Password is the MySQL password
	Password string

	// Database is the database name (required)
	Database string

	// MaxOpenConns limits the connection pool size (0 = unlimited)
	MaxOpenConns int

	// MaxIdleConns limits idle connections kept in the pool
	MaxIdleConns int

	// ConnMaxLifetime bounds how long a pooled connection may be reused
	ConnMaxLifetime time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays is the retention period for revoked token
	// family metadata, used for security forensics. Default: 90 days
	RevokedFamilyRetentionDays int
}

// Store is a MySQL-backed implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, RefreshTokenFamilyStore,
// and TokenRevocationStore.
type Store struct {
	db                         *sql.DB
	logger                     *slog.Logger
	revokedFamilyRetentionDays int

	// encryptor provides optional claims encryption at rest.
	// Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.TokenRevocationStore    = (*Store)(nil)
)

// New opens a MySQL connection pool and verifies connectivity.
// The schema is not created automatically; call EnsureSchema or apply the
// statements from the package documentation before serving traffic.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mysql host is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mysql database name is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedFamilyRetentionDays
	}

	db, err := sql.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	logger.Info("Connected to MySQL storage",
		"host", cfg.Host,
		"database", cfg.Database)

	return &Store{
		db:                         db,
		logger:                     logger,
		revokedFamilyRetentionDays: retentionDays,
	}, nil
}

// buildDSN assembles the driver DSN from the config
func buildDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	mysqlCfg := gomysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	mysqlCfg.DBName = cfg.Database
	mysqlCfg.ParseTime = true
	mysqlCfg.AllowNativePasswords = true
	mysqlCfg.Params = map[string]string{
		"charset": "utf8mb4",
	}

	return mysqlCfg.FormatDSN()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	err := s.db.Close()
	s.logger.Info("MySQL storage connection closed")
	return err
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for claims encryption at rest.
// When set, the access token claims snapshot (username, email) is encrypted
// before storing in MySQL and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Claims encryption at rest enabled for MySQL storage")
	}
}

// getEncryptor reads the encryptor under its lock
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// validateStringLength rejects values longer than maxLen bytes, naming the
// field but not the value in the error
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// safeTruncate caps s at n bytes for log output
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PurgeExpired removes expired authorization codes and tokens, plus token
// family metadata past its retention period. Rows are otherwise removed
// lazily; run this periodically (cron or a ticker in the host process).
// Returns the total number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	retentionCutoff := now.AddDate(0, 0, -s.revokedFamilyRetentionDays)

	var total int64

	statements := []struct {
		name  string
		query string
		args  []any
	}{
		{
			name:  "authorization codes",
			query: `DELETE FROM authorization_code WHERE expires_at < ?`,
			args:  []any{now},
		},
		{
			name:  "access tokens",
			query: `DELETE FROM access_token WHERE expires_at < ?`,
			args:  []any{now},
		},
		{
			name:  "refresh tokens",
			query: `DELETE FROM refresh_token WHERE expires_at < ?`,
			args:  []any{now},
		},
		{
			name:  "revoked families",
			query: `DELETE FROM refresh_token_family WHERE revoked = 1 AND revoked_at < ?`,
			args:  []any{retentionCutoff},
		},
		{
			// Never-revoked families whose tokens are all gone, issued
			// more than the retention window ago
			name: "stale families",
			query: `
        DELETE f FROM refresh_token_family f
        LEFT JOIN refresh_token t ON t.family_id = f.family_id
        WHERE f.revoked = 0
          AND t.token IS NULL
          AND f.issued_at < ?
    `,
			args: []any{retentionCutoff},
		},
	}

	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", stmt.name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if total > 0 {
		s.logger.Debug("Purged expired storage rows", "rows", total)
	}

	return total, nil
}
