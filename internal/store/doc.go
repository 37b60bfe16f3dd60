// Package store provides persistence for accounts, bearer credentials and
// meeting session history.
//
// # Backends
//
//   - SQLiteStore: accounts, auth sessions and meeting records in SQLite.
//     The default driver is modernc.org/sqlite ("sqlite"); the cgo driver
//     github.com/mattn/go-sqlite3 ("sqlite3") can be selected instead.
//   - RedisCredentialStore: auth sessions in Redis with key expiry, for
//     deployments that share credentials across gateway replicas.
//   - MockStore: in-memory implementation for tests.
//
// # Credentials
//
// Raw session tokens are never stored. Each token is hashed with BLAKE2b-256
// and only the hex digest is persisted. A token expires when it has not been
// used for the configured validity window; each successful validation
// refreshes its last-used time.
//
// Both SQLiteStore and RedisCredentialStore implement auth.CredentialStore.
// SQLiteStore and MockStore also implement session.Recorder.
package store
