// Package tokens produces the bearer strings and lifetimes the grant engine
// persists. Factory is the pluggable seam; Random issues opaque strings, JWT
// issues signed HS256 access tokens, and NotConfigured refuses to issue
// anything so a misconfigured deployment fails with server_error instead of
// handing out weak tokens.
package tokens
