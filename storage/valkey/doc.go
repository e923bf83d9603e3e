// Package valkey provides a Valkey storage backend for the grantkit
// authorization server.
//
// Valkey is a Redis-compatible key-value store. Unlike the in-memory
// backend, this one survives restarts, lets several server instances share
// one token space, and leans on native TTLs instead of a cleanup loop.
//
// # Implemented Interfaces
//
// Store satisfies every storage interface the engine consumes:
//
//   - [storage.ClientStore]: OAuth client registry (save, get, validate, list)
//   - [storage.FlowStore]: Authorization code lifecycle with atomic single-use consume
//   - [storage.TokenStore]: Access and refresh token management with atomic rotation
//   - [storage.RefreshTokenFamilyStore]: Token family tracking for reuse detection
//   - [storage.TokenRevocationStore]: Bulk token revocation for security scenarios
//
// # Key Schema
//
// All keys use a configurable prefix (default "grantkit:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}         -> JSON(Client)
//	{prefix}code:{code}               -> JSON(AuthorizationCode), TTL = code lifetime
//	{prefix}access:{token}            -> JSON(AccessToken), TTL = token lifetime
//	{prefix}refresh:{token}           -> JSON(RefreshToken), TTL = token lifetime
//	{prefix}family:{familyID}         -> JSON(RefreshTokenFamily), TTL = retention
//	{prefix}familytokens:{familyID}   -> SET of live refresh tokens in the family
//	{prefix}userclient:{uid}:{cid}    -> SET of tokens issued to the pair
//
// # Atomic Operations
//
// Two operations must be atomic to hold their security guarantees under
// concurrent requests:
//
//   - ConsumeAuthorizationCode: exactly one concurrent exchange wins; later
//     attempts observe the used marker and trigger reuse handling
//   - ConsumeRefreshToken: exactly one concurrent rotation wins; later
//     attempts observe the consumed marker and get the record back for
//     family-wide revocation
//
// Both run the same parameterized Lua script, so the read-check-write
// sequence executes as a single step in Valkey and matches the guarantees
// of the in-memory implementation.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "grantkit:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "grantkit:",
//	})
//
// # Security Considerations
//
//   - Every token and code key carries a TTL, so nothing outlives its record
//   - ValidateClientSecret runs bcrypt against a fallback hash even for
//     unknown clients, keeping lookup timing uniform
//   - Revoked family metadata is kept for a retention window for forensics
//   - SetEncryptor enables AES-256-GCM claims encryption at rest
//   - Records over 64KB are rejected before they reach Valkey
package valkey
