package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config interface {
	EnvConfig
	OAuthConfig
	StorageConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type mainConfig struct {
	EnvVars
	OAuth
	Storage
	Session
}

func New() Config {
	return mainConfig{}
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// snapshot is the validated view of a Config.
type snapshot struct {
	AuthBaseURL  string   `validate:"required,url"`
	ClientID     string   `validate:"required"`
	TokenURL     string   `validate:"omitempty,url"`
	JWKSURL      string   `validate:"omitempty,url"`
	StoreKind    string   `validate:"oneof=memory file valkey"`
	SessionFile  string   `validate:"required_if=StoreKind file"`
	ValkeyAddrs  []string `validate:"required_if=StoreKind valkey,dive,hostname_port"`
	LogLevel     string   `validate:"oneof=trace debug info warn error"`
	SafetyMargin int64    `validate:"gte=0"`
	RetryMax     uint64   `validate:"lte=20"`
}

// Validate checks that c describes a usable client.
func Validate(c Config) error {
	s := snapshot{
		AuthBaseURL:  c.GetAuthBaseURL(),
		ClientID:     c.GetClientID(),
		TokenURL:     c.GetTokenURL(),
		JWKSURL:      c.GetJWKSURL(),
		StoreKind:    c.GetStoreKind(),
		SessionFile:  c.GetSessionFile(),
		ValkeyAddrs:  c.GetValkeyAddrs(),
		LogLevel:     strings.ToLower(c.GetLogLevel()),
		SafetyMargin: int64(c.GetSafetyMargin()),
		RetryMax:     c.GetRetryMax(),
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
