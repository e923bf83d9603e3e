// Package memory provides the in-memory storage backend for the grantkit
// authorization server.
//
// The Store type implements every storage contract the engine consumes:
// [storage.ClientStore], [storage.FlowStore], [storage.TokenStore],
// [storage.RefreshTokenFamilyStore], and [storage.TokenRevocationStore].
// All state lives in maps guarded by a single RWMutex, which is what makes
// ConsumeAuthorizationCode and ConsumeRefreshToken atomic here: the
// read-check-delete sequence runs entirely under the write lock.
//
// A background goroutine sweeps expired codes, tokens, and revoked family
// metadata. New starts it with a default interval; NewWithInterval tunes it
// and Stop shuts it down:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := grantkit.NewWithStores(config, userStore, store, store, store)
//
// grantkit.New constructs and owns one of these automatically, so reaching
// into this package directly is only needed when mixing backends.
//
// Claims encryption at rest (SetEncryptor) and telemetry (SetInstrumentation)
// are optional and off until wired. Nothing here persists: restarting the
// process discards all grants, which is the intended trade for development
// and single-instance test deployments. Production deployments wanting
// grants to survive restarts should use storage/valkey or storage/mysql.
package memory
