package sessions

import (
	"context"
	"errors"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a Store without durability, the default where persistence is unsupported.
type MemoryStore struct {
	mu      sync.RWMutex
	session *Session
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session == nil {
		return nil, nil
	}
	// Return a copy to prevent external modifications
	cp := *m.session
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.session = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = nil
	return nil
}
