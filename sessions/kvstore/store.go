package kvstore

import (
	"context"

	errs "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/pkce"
	"github.com/jrsteele09/go-auth-session/sessions"
)

var (
	_ sessions.Store = (*Store)(nil)
	_ pkce.Cache     = (*VerifierCache)(nil)
)

// Store is a sessions.Store backed by a KV.
type Store struct {
	kv  KV
	key string
}

// NewStore creates a session store for the auth server at baseURL.
func NewStore(kv KV, baseURL string) (*Store, error) {
	ns, err := Namespace(baseURL)
	if err != nil {
		return nil, err
	}
	return &Store{kv: kv, key: key(ns, sessionSuffix)}, nil
}

// Key returns the storage key used for the session record.
func (s *Store) Key() string {
	return s.key
}

func (s *Store) Load(ctx context.Context) (*sessions.Session, error) {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, errs.Wrapf(err, "kvstore load %s", s.key)
	}
	if !ok {
		return nil, nil
	}
	return sessions.Unmarshal(data)
}

func (s *Store) Save(ctx context.Context, session *sessions.Session) error {
	data, err := sessions.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return errs.Wrapf(err, "kvstore save %s", s.key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context) error {
	if err := s.kv.Del(ctx, s.key); err != nil {
		return errs.Wrapf(err, "kvstore delete %s", s.key)
	}
	return nil
}

// VerifierCache is a pkce.Cache backed by a KV.
type VerifierCache struct {
	kv  KV
	key string
}

// NewVerifierCache creates a verifier cache for the auth server at baseURL.
func NewVerifierCache(kv KV, baseURL string) (*VerifierCache, error) {
	ns, err := Namespace(baseURL)
	if err != nil {
		return nil, err
	}
	return &VerifierCache{kv: kv, key: key(ns, verifierSuffix)}, nil
}

func (c *VerifierCache) Save(ctx context.Context, verifier string) error {
	if err := c.kv.Set(ctx, c.key, []byte(verifier)); err != nil {
		return errs.Wrapf(err, "kvstore save %s", c.key)
	}
	return nil
}

func (c *VerifierCache) Load(ctx context.Context) (string, error) {
	data, ok, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return "", errs.Wrapf(err, "kvstore load %s", c.key)
	}
	if !ok {
		return "", nil
	}
	return string(data), nil
}

func (c *VerifierCache) Delete(ctx context.Context) error {
	if err := c.kv.Del(ctx, c.key); err != nil {
		return errs.Wrapf(err, "kvstore delete %s", c.key)
	}
	return nil
}
