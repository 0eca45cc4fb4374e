package pkce

import (
	"context"
	"sync"
)

var _ Cache = (*MemoryCache)(nil)

// MemoryCache is a thread-safe in-memory Cache
type MemoryCache struct {
	mu       sync.RWMutex
	verifier string
}

// NewMemoryCache creates an empty in-memory verifier cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Save(_ context.Context, verifier string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = verifier
	return nil
}

func (c *MemoryCache) Load(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifier, nil
}

func (c *MemoryCache) Delete(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = ""
	return nil
}
