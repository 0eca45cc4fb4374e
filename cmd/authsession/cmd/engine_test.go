package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/sessions/kvstore"
	"github.com/stretchr/testify/require"
)

func setTestEnv(t *testing.T, store, providersFile string) {
	t.Helper()
	t.Setenv("AUTH_BASE_URL", "https://auth.example.com/auth/v1")
	t.Setenv("AUTH_CLIENT_ID", "client-1")
	t.Setenv("AUTH_ISSUER", "")
	t.Setenv("AUTH_JWKS_URL", "")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("SESSION_STORE", store)
	t.Setenv("VALKEY_ADDRS", "127.0.0.1:6379")
	t.Setenv("AUTH_PROVIDERS_FILE", providersFile)
}

type closeCountingKV struct {
	*kvstore.MemoryKV
	closed int
}

func (k *closeCountingKV) Close() {
	k.closed++
}

func TestStartEngine_ReleasesStoresOnFailure(t *testing.T) {
	kv := &closeCountingKV{MemoryKV: kvstore.NewMemoryKV()}
	dial := dialValkey
	dialValkey = func(...string) (valkeyKV, error) { return kv, nil }
	t.Cleanup(func() { dialValkey = dial })

	providers := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(providers, []byte("providers: [unterminated"), 0o600))

	setTestEnv(t, config.StoreValkey, providers)

	rt, err := startEngine(context.Background())
	require.Error(t, err)
	require.Nil(t, rt)
	require.Equal(t, 1, kv.closed)
}

func TestStartEngine_MemoryStore(t *testing.T) {
	setTestEnv(t, config.StoreMemory, filepath.Join(t.TempDir(), "missing.yaml"))

	rt, err := startEngine(context.Background())
	require.NoError(t, err)
	defer rt.Close()
	require.False(t, rt.engine.Status().IsAuthenticated())
}
