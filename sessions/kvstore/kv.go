// Package kvstore persists sessions and PKCE verifiers in a key-value backend,
// JSON-encoded and namespaced by the auth server's base URL so that several
// clients can share one backend without collisions.
package kvstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

const (
	sessionSuffix  = "session"
	verifierSuffix = "code-verifier"
)

// KV is the minimal key-value contract a settings backend must offer.
type KV interface {
	// Get returns the value stored at key; ok is false when the key is absent
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Del removes key; removing an absent key is not an error
	Del(ctx context.Context, key string) error
}

// Namespace derives a stable key prefix from the auth server base URL,
// e.g. "https://Auth.Example.com/auth/v1/" -> "authsession:auth.example.com/auth/v1".
func Namespace(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("namespace: parse base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("namespace: base url %q has no host", baseURL)
	}
	id := strings.ToLower(u.Host) + strings.TrimRight(u.EscapedPath(), "/")
	return "authsession:" + id, nil
}

func key(namespace, suffix string) string {
	return namespace + ":" + suffix
}

var _ KV = (*MemoryKV)(nil)

// MemoryKV is a thread-safe in-memory KV, useful for tests and as a stand-in
// for platform settings stores.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys returns the stored keys, for diagnostics.
func (m *MemoryKV) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}
