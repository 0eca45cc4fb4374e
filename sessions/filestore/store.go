// Package filestore persists the session as a JSON file, optionally sealed
// with XChaCha20-Poly1305 under a key derived from a caller supplied secret.
package filestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	errs "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "go-auth-session filestore v1"

var _ sessions.Store = (*Store)(nil)

// Store is a sessions.Store writing to a single file.
type Store struct {
	path string
	key  []byte // nil: plaintext JSON

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store) error

// WithSecret seals the file with a key derived from secret.
func WithSecret(secret []byte) Option {
	return func(s *Store) error {
		if len(secret) == 0 {
			return errors.New("filestore: empty secret")
		}
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
			return errs.Wrapf(err, "filestore: derive key")
		}
		s.key = key
		return nil
	}
}

// New creates a Store at path. The parent directory is created on first save.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("filestore: path is required")
	}
	s := &Store{path: path}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the file the session is written to.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(_ context.Context) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrapf(err, "filestore: read %s", s.path)
	}

	if s.key != nil {
		if data, err = s.open(data); err != nil {
			return nil, fmt.Errorf("%w: %v", sessions.ErrCorruptSession, err)
		}
	}
	return sessions.Unmarshal(data)
}

func (s *Store) Save(_ context.Context, session *sessions.Session) error {
	data, err := sessions.Marshal(session)
	if err != nil {
		return err
	}
	if s.key != nil {
		if data, err = s.seal(data); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, data)
}

func (s *Store) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Wrapf(err, "filestore: remove %s", s.path)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, errs.Wrapf(err, "filestore: cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrapf(err, "filestore: nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed record too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// writeFileAtomic writes data to a temp file in the target directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrapf(err, "filestore: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errs.Wrapf(err, "filestore: create temp")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrapf(err, "filestore: write")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errs.Wrapf(err, "filestore: chmod")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrapf(err, "filestore: close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Wrapf(err, "filestore: rename")
	}
	return nil
}
