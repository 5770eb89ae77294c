// Package stores provides persistence layer implementations for reconcile.
// It includes a SQLite-based state store with WAL mode, embedded migrations,
// a lock row with expiry, run history and an append-only audit trail.
// The dynamodb subpackage provides a remote backend for shared state.
package stores
