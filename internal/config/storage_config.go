package config

import (
	"os"
	"path/filepath"
)

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreValkey = "valkey"
)

type StorageConfig interface {
	GetStoreKind() string
	GetSessionFile() string
	GetStoreSecret() string
	GetValkeyAddrs() []string
}

type Storage struct{}

var _ StorageConfig = Storage{}

// GetStoreKind is one of memory, file or valkey.
func (Storage) GetStoreKind() string {
	return GetEnv("SESSION_STORE", StoreFile)
}

func (Storage) GetSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return GetEnv("SESSION_FILE", filepath.Join(dir, "authsession", "session.json"))
}

// GetStoreSecret seals the session file when set.
func (Storage) GetStoreSecret() string {
	return GetEnv("SESSION_SECRET", "")
}

func (Storage) GetValkeyAddrs() []string {
	return GetEnvList("VALKEY_ADDRS", []string{"127.0.0.1:6379"})
}
