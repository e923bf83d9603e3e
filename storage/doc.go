// Package storage provides interfaces and record types for authorization code,
// token, and client persistence.
//
// The storage package defines the core contracts used throughout grantkit:
//   - ClientStore: manages registered OAuth clients
//   - FlowStore: manages authorization codes, including atomic single-use consumption
//   - TokenStore: manages access and refresh tokens
//
// The contracts, not the backends, are load-bearing: any store that honors the
// atomicity guarantees documented on ConsumeAuthorizationCode and
// ConsumeRefreshToken can back the engine.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/mock: mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
//   - storage/mysql: MySQL-backed storage
package storage
