// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// type implements [storage.Store] and lets several server instances share
// clients, tokens and authorization codes.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth2:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}           -> JSON(Client)
//	{prefix}clients                     -> ZSET clientID by creation time
//	{prefix}token:{tokenID}             -> JSON(Token)
//	{prefix}access:{accessToken}        -> tokenID
//	{prefix}refresh:{refreshToken}      -> tokenID
//	{prefix}tokens                      -> ZSET tokenID by removal time
//	{prefix}client-tokens:{clientID}    -> SET of tokenIDs
//	{prefix}code:{code}                 -> HASH data, used, expires, client
//	{prefix}codes                       -> ZSET code by expiry
//	{prefix}client-codes:{clientID}     -> SET of codes
//
// # Atomic Operations
//
// Every mutation runs as a single Lua script, so concurrent servers observe
// the same guarantees as the in-memory store:
//
//   - CreateToken rejects access and refresh token collisions
//   - RotateRefreshToken lets exactly one of several callers redeem a token
//   - AtomicCheckAndMarkAuthCodeUsed accepts a code exactly once
//   - DeleteClient removes the client with its tokens and codes
//
// Scripts touch keys derived from stored values, so the store needs a single
// Valkey node (optionally behind Sentinel), not a cluster.
//
// # Expiry
//
// Expiry is evaluated against the store clock, not with Valkey TTLs. Expired
// tokens and codes stay until DeleteExpiredTokens and DeleteExpiredCodes
// remove them; oauth2d calls both periodically.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
