// Package memory implements every storage interface in process memory.
// Nothing survives a restart, which suits development, tests, and
// single-instance deployments; production setups want the valkey backend.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// codes and tokens. Enough uniqueness for debugging without leaking the
	// full credential into logs.
	tokenIDLogLength = 8

	// maxFamilyMetadataEntries is the threshold for warning about excessive
	// family metadata. Helps detect memory exhaustion via repeated rotation.
	maxFamilyMetadataEntries = 10000

	// hardMaxFamilyMetadataEntries is the hard limit for family metadata.
	// Exceeding it causes SaveRefreshTokenFamily to fail.
	hardMaxFamilyMetadataEntries = 50000
)

// Store keeps every record in Go maps behind one RWMutex and satisfies the
// same storage interfaces as the valkey and mysql backends.
type Store struct {
	mu sync.RWMutex

	// Client registry
	clients map[string]*storage.Client

	// Authorization codes, keyed by the code value
	authCodes map[string]*storage.AuthorizationCode

	// Issued tokens, keyed by the opaque token value.
	// Access token claims are encrypted at rest if an encryptor is set.
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// Refresh token family metadata, keyed by family ID.
	// Survives token rotation so reuse of a rotated token can be detected.
	families map[string]*storage.RefreshTokenFamily

	// Security
	encryptor *security.Encryptor // claims encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	accessTokensCountAtomic  atomic.Int64
	clientsCountAtomic       atomic.Int64
	authCodesCountAtomic     atomic.Int64
	familiesCountAtomic      atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval            time.Duration
	revokedFamilyRetentionDays int64
	stopCleanup                chan struct{}
	logger                     *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.TokenRevocationStore    = (*Store)(nil)
)

// New returns a store that sweeps expired records every minute and keeps
// revoked family metadata for 90 days
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:                    make(map[string]*storage.Client),
		authCodes:                  make(map[string]*storage.AuthorizationCode),
		accessTokens:               make(map[string]*storage.AccessToken),
		refreshTokens:              make(map[string]*storage.RefreshToken),
		families:                   make(map[string]*storage.RefreshTokenFamily),
		cleanupInterval:            cleanupInterval,
		revokedFamilyRetentionDays: 90, // kept for security auditing
		stopCleanup:                make(chan struct{}),
		logger:                     slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetRevokedFamilyRetentionDays sets the retention period for revoked token
// family metadata. Call after New() and before serving traffic.
// Default: 90 days (if not set)
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetentionDays = days
	s.logger.Info("Set revoked family retention period",
		"retention_days", days)
}

// SetLogger replaces the store's logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for claims encryption at rest.
// The access token claims snapshot (username, email) contains PII; with an
// encryptor configured those fields are stored encrypted. Token values
// themselves are random lookup keys and stay in the clear.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Claims encryption at rest enabled for storage")
	}
}

// SetInstrumentation wires OpenTelemetry into the store. The size gauges
// read the atomic record counters, so observations never take the store
// lock.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Seed the counters from whatever is already stored
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.authCodesCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Storage size gauges unavailable", "error", err)
		}
	}
}

// Stop ends the cleanup goroutine. The store stays usable afterwards;
// expired records just stop being swept.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns the client registered under clientID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations so a caller cannot tell an unknown client
// apart from a known client with a wrong secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Pre-computed dummy hash for non-existent clients. Ensures a bcrypt
	// comparison is always performed even when the client doesn't exist.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	// Determine which hash to use (real or dummy)
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

	if err != nil {
		return fmt.Errorf("%w: unknown client", storage.ErrInvalidClientSecret)
	}

	if bcryptErr != nil {
		return fmt.Errorf("%w: secret mismatch", storage.ErrInvalidClientSecret)
	}

	return nil
}

// ListClients returns every registered client
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]

	s.authCodes[code.Code] = code

	if !existed {
		s.authCodesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// Used codes are kept (marked Used) so reuse attempts can be detected.
//
// The exchange path must go through ConsumeAuthorizationCode, which marks
// the code inside the lock; reading here and marking later would let two
// exchanges both see an unused code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: past expiry", storage.ErrAuthorizationCodeExpired)
	}

	// Return a COPY to prevent caller from modifying our stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks
// it as used. Under concurrent calls with the same code, exactly one succeeds;
// the rest observe the code as already used.
//
// IMPORTANT: The code record is ONLY returned on reuse (Used=true) so the
// caller can revoke tokens derived from the first exchange. For not-found and
// expired, nil is returned to prevent information leakage.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: past expiry", storage.ErrAuthorizationCodeExpired)
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		// Return the record so the caller has userID/clientID for revocation
		codeCopy := *authCode
		err = storage.ErrAuthorizationCodeUsed
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; ok {
		delete(s.authCodes, code)
		s.authCodesCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token with optional claims encryption
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("invalid access token")
		return err
	}
	if token.UserID == "" {
		err = fmt.Errorf("user ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := token
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		stored, err = s.encryptClaims(token)
		if err != nil {
			return err
		}
	}

	_, existed := s.accessTokens[token.Token]

	s.accessTokens[token.Token] = stored

	if !existed {
		s.accessTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token",
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves an access token and decrypts claims if necessary.
// Expired tokens return an error even while still physically present.
func (s *Store) GetAccessToken(ctx context.Context, tokenValue string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.RLock()
	token, ok := s.accessTokens[tokenValue]
	encryptor := s.encryptor
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(token.ExpiresAt) {
		err = fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
		return nil, err
	}

	if encryptor != nil && encryptor.IsEnabled() {
		var decrypted *storage.AccessToken
		decrypted, err = s.decryptClaims(token, encryptor)
		if err != nil {
			return nil, err
		}
		return decrypted, nil
	}

	// Return a COPY to prevent caller from modifying our stored version
	tokenCopy := *token
	return &tokenCopy, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, tokenValue string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_access_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[tokenValue]; ok {
		delete(s.accessTokens, tokenValue)
		s.accessTokensCountAtomic.Add(-1)
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[token.Token]

	s.refreshTokens[token.Token] = token

	if !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token",
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, tokenValue string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenValue]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}

	if security.IsTokenExpired(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	tokenCopy := *token
	return &tokenCopy, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
// This is the rotation primitive: under concurrent calls with the same token,
// exactly one succeeds.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenValue string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenValue]
	if !ok {
		err = fmt.Errorf("%w: unknown token", storage.ErrRefreshTokenNotFound)
		return nil, err
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(token.ExpiresAt) {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if token.Consumed {
		// Return the record so the caller has the family ID for revocation
		tokenCopy := *token
		err = storage.ErrRefreshTokenReused
		return &tokenCopy, err
	}

	token.Consumed = true
	// The consumed record stays until expiry so a later presentation is
	// recognized as reuse rather than an unknown token

	s.logger.Debug("Consumed refresh token",
		"user_id", token.UserID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)

	tokenCopy := *token
	return &tokenCopy, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[tokenValue]; ok {
		delete(s.refreshTokens, tokenValue)
		s.refreshTokensCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// RefreshTokenFamilyStore Implementation
// ============================================================

// SaveRefreshTokenFamily records or updates family metadata
func (s *Store) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("invalid refresh token family")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.families[family.FamilyID]

	// Hard limit prevents memory exhaustion via repeated rotation
	if !existed && len(s.families) >= hardMaxFamilyMetadataEntries {
		return fmt.Errorf("refresh token family limit reached (%d entries)", hardMaxFamilyMetadataEntries)
	}

	s.families[family.FamilyID] = family

	if !existed {
		s.familiesCountAtomic.Add(1)
	}

	return nil
}

// GetRefreshTokenFamily retrieves family metadata by family ID
func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.families[familyID]
	if !ok {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}

	familyCopy := *family
	return &familyCopy, nil
}

// RevokeRefreshTokenFamily marks a family revoked and deletes its live tokens.
// The metadata entry is kept (marked revoked) for reuse detection and
// forensics until the retention period expires.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		return storage.ErrRefreshTokenFamilyNotFound
	}

	family.Revoked = true
	family.RevokedAt = time.Now()

	// Delete the family's live tokens. Consumed records are kept so a
	// presentation after revocation still maps back to the revoked family.
	deleted := 0
	for tokenValue, token := range s.refreshTokens {
		if token.FamilyID == familyID && !token.Consumed {
			delete(s.refreshTokens, tokenValue)
			s.refreshTokensCountAtomic.Add(-1)
			deleted++
		}
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
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

	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0
	now := time.Now()

	// Step 1: delete matching access tokens
	for tokenValue, token := range s.accessTokens {
		if token.UserID == userID && token.ClientID == clientID {
			delete(s.accessTokens, tokenValue)
			s.accessTokensCountAtomic.Add(-1)
			revokedCount++

			s.logger.Debug("Revoked access token",
				"user_id", userID,
				"client_id", clientID,
				"token_prefix", util.SafeTruncate(tokenValue, tokenIDLogLength))
		}
	}

	// Step 2: delete matching live refresh tokens and collect their
	// families. Consumed records are kept for reuse detection.
	familiesToRevoke := make(map[string]bool)
	for tokenValue, token := range s.refreshTokens {
		if token.UserID == userID && token.ClientID == clientID {
			if token.FamilyID != "" {
				familiesToRevoke[token.FamilyID] = true
			}
			if token.Consumed {
				continue
			}
			delete(s.refreshTokens, tokenValue)
			s.refreshTokensCountAtomic.Add(-1)
			revokedCount++

			s.logger.Debug("Revoked refresh token",
				"user_id", userID,
				"client_id", clientID,
				"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
				"generation", token.Generation)
		}
	}

	// Step 3: mark families revoked (metadata kept for forensics/detection)
	for familyID := range familiesToRevoke {
		if family, ok := s.families[familyID]; ok {
			family.Revoked = true
			family.RevokedAt = now
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Bulk revocation for user and client pair",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount,
			"families_revoked", len(familiesToRevoke))
	}

	return revokedCount, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Expired authorization codes (with clock skew grace period).
	// Used codes are swept here too, once past expiry.
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired access tokens
	for tokenValue, token := range s.accessTokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.accessTokens, tokenValue)
			s.accessTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired refresh tokens
	for tokenValue, token := range s.refreshTokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.refreshTokens, tokenValue)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Revoked family metadata past the retention period. Retention keeps the
	// revocation visible for security audits before the entry disappears.
	retentionDays := s.revokedFamilyRetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}
	revokedFamilyCleanupThreshold := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	for familyID, family := range s.families {
		if family.Revoked {
			revokedTime := family.RevokedAt
			if revokedTime.IsZero() {
				revokedTime = family.IssuedAt
			}
			if revokedTime.Before(revokedFamilyCleanupThreshold) {
				delete(s.families, familyID)
				s.familiesCountAtomic.Add(-1)
				cleaned++
			}
		}
	}

	// Families whose every token is gone and that were never revoked are
	// swept once the family itself is older than the retention threshold
	liveFamilies := make(map[string]bool)
	for _, token := range s.refreshTokens {
		if token.FamilyID != "" {
			liveFamilies[token.FamilyID] = true
		}
	}
	for familyID, family := range s.families {
		if !family.Revoked && !liveFamilies[familyID] && family.IssuedAt.Before(revokedFamilyCleanupThreshold) {
			delete(s.families, familyID)
			s.familiesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Check for excessive family metadata growth. Could indicate a memory
	// exhaustion attempt via repeated token rotation.
	familyCount := len(s.families)
	if familyCount > maxFamilyMetadataEntries {
		s.logger.Warn("Refresh token family metadata approaching limit",
			"current_count", familyCount,
			"max_threshold", maxFamilyMetadataEntries)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned, "family_metadata_count", familyCount)
	}
}

// ============================================================
// Claims Encryption
// ============================================================

// encryptClaims encrypts the PII fields of an access token record.
// Returns a new record with encrypted fields, leaving the original unchanged.
func (s *Store) encryptClaims(token *storage.AccessToken) (*storage.AccessToken, error) {
	encrypted := *token

	if encrypted.Username != "" {
		enc, err := s.encryptor.Encrypt(encrypted.Username)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt username claim: %w", err)
		}
		encrypted.Username = enc
	}

	if encrypted.Email != "" {
		enc, err := s.encryptor.Encrypt(encrypted.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt email claim: %w", err)
		}
		encrypted.Email = enc
	}

	return &encrypted, nil
}

// decryptClaims decrypts the PII fields of an access token record.
// Returns a new record with decrypted fields, leaving the stored one unchanged.
func (s *Store) decryptClaims(token *storage.AccessToken, encryptor *security.Encryptor) (*storage.AccessToken, error) {
	decrypted := *token

	if decrypted.Username != "" {
		dec, err := encryptor.Decrypt(decrypted.Username)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt username claim: %w", err)
		}
		decrypted.Username = dec
	}

	if decrypted.Email != "" {
		dec, err := encryptor.Decrypt(decrypted.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt email claim: %w", err)
		}
		decrypted.Email = dec
	}

	return &decrypted, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan opens a span named storage.<operation>, falling back to
// the span already on the context when instrumentation is unset
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")

	return ctx, span
}

// recordStorageOperation closes out one operation: span status from err,
// plus a duration sample on the storage metrics
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	elapsed := float64(time.Since(startTime).Milliseconds())
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, elapsed)
}
