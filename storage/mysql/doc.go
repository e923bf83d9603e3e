// Package mysql provides a MySQL storage backend for the grantkit
// authorization server.
//
// The Store type implements all required storage interfaces over a standard
// database/sql connection pool using the go-sql-driver/mysql driver. It suits
// deployments that already operate MySQL and want durable, queryable OAuth
// state without adding a key-value store.
//
// # Schema
//
// Tables are created by [Store.EnsureSchema] (idempotent), or apply the
// equivalent DDL through your own migration tooling:
//
//	oauth_client          client registry, keyed by client_id
//	authorization_code    issued codes with a used flag for single-use consume
//	access_token          issued access tokens with the claims snapshot
//	refresh_token         issued refresh tokens with family and generation
//	refresh_token_family  rotation family metadata for reuse detection
//
// # Atomicity
//
// ConsumeAuthorizationCode and ConsumeRefreshToken run inside a transaction
// with SELECT ... FOR UPDATE so concurrent exchanges serialize on the row
// lock: exactly one request wins, the rest observe the used flag or the
// deleted row.
//
// # Expiry
//
// Unlike the Valkey backend there is no native TTL. Reads reject expired
// rows, and [Store.PurgeExpired] removes them in bulk; run it periodically
// from the host process or a cron job.
//
// # Configuration
//
//	store, err := mysql.New(ctx, mysql.Config{
//	    Host:     "127.0.0.1",
//	    User:     "grantkit",
//	    Password: os.Getenv("MYSQL_PASSWORD"),
//	    Database: "grantkit",
//	})
//
// Optional claims encryption at rest mirrors the other backends: configure
// it with SetEncryptor and the username and email columns are stored as
// AES-256-GCM ciphertext.
package mysql
