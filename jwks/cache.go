// Package jwks caches the authorization server's signing keys and verifies
// access tokens locally against them.
package jwks

import (
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Entry is a fetched key set and the time it was fetched.
type Entry struct {
	Keys     jwk.Set
	CachedAt time.Time
}

// Stale reports whether the entry is older than ttl at now.
func (e *Entry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) >= ttl
}

// Has reports whether the set holds a key with the given ID.
func (e *Entry) Has(kid string) bool {
	if e.Keys == nil {
		return false
	}
	_, ok := e.Keys.LookupKeyID(kid)
	return ok
}

// Cache is a single-slot, lock-free holder of the current Entry. Readers
// always see a complete entry while another goroutine swaps in a rotated one.
// Freshness is decided by the caller.
type Cache struct {
	entry atomic.Pointer[Entry]
}

// Get returns the cached entry; false means the caller should fetch and Set.
func (c *Cache) Get() (*Entry, bool) {
	e := c.entry.Load()
	return e, e != nil
}

// Set replaces the cached entry.
func (c *Cache) Set(e *Entry) {
	c.entry.Store(e)
}

// CompareAndSwap replaces old with next only if old is still cached.
func (c *Cache) CompareAndSwap(old, next *Entry) bool {
	return c.entry.CompareAndSwap(old, next)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.entry.Store(nil)
}
