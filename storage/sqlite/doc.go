// Package sqlite stores clients, tokens and authorization codes in SQLite.
//
// The schema is applied from embedded migrations on Open. Redirect URIs,
// tokens and codes reference their client with ON DELETE CASCADE, token
// strings are UNIQUE, and single-use semantics come from conditional
// statements:
//
//	UPDATE oauth2_authorization_codes SET used = 1 WHERE code = ? AND used = 0 ...
//	DELETE FROM oauth2_tokens WHERE refresh_token = ? RETURNING ...
package sqlite
