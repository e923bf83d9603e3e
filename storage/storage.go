package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing registered OAuth clients.
// The engine treats the registry as read-only at request time; SaveClient
// exists for startup seeding and tests.
// Every method takes a context for cancellation and tracing.
type ClientStore interface {
	// SaveClient registers or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client registered under clientID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored hash.
	// Implementations must take the same time for unknown clients as for known
	// clients with a wrong secret.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for managing authorization codes.
// Every method takes a context for cancellation and tracing.
type FlowStore interface {
	// SaveAuthorizationCode stores a freshly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code is valid and
	// unused and marks it as used. Under N concurrent calls with the same
	// code, exactly one succeeds and the rest fail.
	// On success the code record comes back; otherwise:
	// - Code not found (ErrAuthorizationCodeNotFound)
	// - Code expired (wrapping ErrAuthorizationCodeExpired)
	// - Code already used (ErrAuthorizationCodeUsed; the code record is
	//   returned alongside the error so callers can revoke derived tokens)
	// SECURITY: This operation MUST be linearizable to prevent concurrent
	// code replay.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode drops a code outright
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for storing and retrieving issued tokens.
// Access tokens are opaque strings used as lookup keys.
// Every method takes a context for cancellation and tracing.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token. Expired tokens return an
	// error wrapping ErrTokenExpired even if still physically present.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken saves an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token without consuming it
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically retrieves a refresh token and marks it
	// consumed. This is the rotation primitive: the same consume-once
	// discipline as authorization codes. Consumed tokens are kept until
	// expiry so a later presentation can be recognized as reuse; in that
	// case the record is returned together with ErrRefreshTokenReused so
	// the caller can revoke the family. Returns an error wrapping
	// ErrRefreshTokenNotFound or ErrTokenExpired otherwise.
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh
	// attacks.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token
	DeleteRefreshToken(ctx context.Context, token string) error
}

// RefreshTokenFamilyStore tracks refresh token families for reuse detection.
// Optional - only implemented by stores that support reuse detection.
type RefreshTokenFamilyStore interface {
	// SaveRefreshTokenFamily records or updates family metadata
	SaveRefreshTokenFamily(ctx context.Context, family *RefreshTokenFamily) error

	// GetRefreshTokenFamily retrieves family metadata by family ID
	GetRefreshTokenFamily(ctx context.Context, familyID string) (*RefreshTokenFamily, error)

	// RevokeRefreshTokenFamily marks a family revoked and deletes its live tokens
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error
}

// TokenRevocationStore supports bulk revocation. Optional - used when
// authorization code reuse is detected.
type TokenRevocationStore interface {
	// RevokeTokensForUserClient revokes all access and refresh tokens issued
	// to a user+client pair. Returns the number of tokens revoked.
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Client types per RFC 6749 Section 2.1.
const (
	// ClientTypeConfidential marks clients that can keep a secret
	// (server-side applications)
	ClientTypeConfidential = "confidential"
	// ClientTypePublic marks clients that cannot (native apps, SPAs);
	// they authenticate via PKCE instead
	ClientTypePublic = "public"
)

// Client is a registered OAuth application.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // ClientTypeConfidential or ClientTypePublic
	RedirectURIs     []string
	Scopes           []string
	ClientName       string
	CreatedAt        time.Time
}

// IsPublic reports whether the client has no secret on file and must use PKCE.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic || c.ClientSecretHash == ""
}

// AuthorizationCode represents an issued authorization code.
// The client's state parameter is deliberately absent: it is echoed back in
// the redirect and never persisted server-side.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AccessToken represents an issued opaque access token. The userinfo claims
// are snapshotted at issuance so /oauth2/userinfo resolves from the token
// alone.
type AccessToken struct {
	Token     string
	UserID    string
	Username  string
	Email     string
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken represents an issued refresh token. FamilyID and Generation
// tie rotated tokens together so reuse of a rotated token can be detected
// and the whole family revoked.
type RefreshToken struct {
	Token      string
	UserID     string
	ClientID   string
	Scope      string
	FamilyID   string
	Generation int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	// Consumed marks a token that was already rotated. The record is kept
	// until expiry so reuse can be detected and the family revoked.
	Consumed bool
}

// RefreshTokenFamily contains metadata about a refresh token family
type RefreshTokenFamily struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time
}
