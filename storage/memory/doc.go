// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex. Authorization code
// use and refresh token consumption run under the write lock, so concurrent
// exchanges of one code or refresh token have exactly one winner. A background
// goroutine removes expired tokens and codes; call Stop to end it.
//
//	store := memory.New()
//	defer store.Stop()
package memory
