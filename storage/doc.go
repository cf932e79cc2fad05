// Package storage defines the persistence contracts of the authorization server:
// the client registry, the token store and the authorization code store.
//
// The registry's capability checks (scope intersection, redirect URI matching,
// secret verification, grant/response type and auth method checks) live on
// Client so every store implementation shares them.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/sqlite: durable storage on SQLite (modernc.org/sqlite)
package storage
