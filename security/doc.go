// Package security holds the cross-cutting protections of the authorization
// server: audit logging with hashed user identifiers, per-key token bucket
// rate limiting, client IP extraction, response hardening headers and request
// ID propagation.
//
// # Rate Limiting
//
// RateLimiter keeps one golang.org/x/time/rate limiter per key (usually the
// client IP) in an LRU list bounded by MaxEntries. Idle entries are swept by a
// background loop that is stopped with Stop.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{Rate: 5, Burst: 10}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Auditing
//
// Auditor writes one structured "security_audit" record per event. User IDs
// are hashed before they are logged; credential values are never passed in.
package security
