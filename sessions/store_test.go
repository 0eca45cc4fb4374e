package sessions_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/sessions/filestore"
	"github.com/jrsteele09/go-auth-session/sessions/kvstore"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://auth.example.com/auth/v1"

func testSession() *sessions.Session {
	return &sessions.Session{
		AccessToken:          "access-1",
		RefreshToken:         "refresh-1",
		ProviderToken:        "gh-token",
		ProviderRefreshToken: "gh-refresh",
		TokenType:            "bearer",
		ExpiresIn:            3600,
		ExpiresAt:            1760000000,
		User: &sessions.User{
			ID:           "user-1",
			Email:        "john.doe@example.com",
			Role:         "authenticated",
			AppMetadata:  map[string]any{"provider": "github"},
			UserMetadata: map[string]any{"name": "John"},
			Factors: []sessions.Factor{
				{ID: "f-1", Type: "totp", Status: sessions.FactorStatusVerified},
			},
		},
	}
}

func backends(t *testing.T) map[string]sessions.Store {
	t.Helper()

	kv, err := kvstore.NewStore(kvstore.NewMemoryKV(), testBaseURL)
	require.NoError(t, err)

	plain, err := filestore.New(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	sealed, err := filestore.New(filepath.Join(t.TempDir(), "nested", "session.bin"), filestore.WithSecret([]byte("s3cret")))
	require.NoError(t, err)

	return map[string]sessions.Store{
		"memory":        sessions.NewMemoryStore(),
		"kv":            kv,
		"file":          plain,
		"file (sealed)": sealed,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			original := testSession()
			require.NoError(t, store.Save(ctx, original))

			loaded, err := store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, original, loaded)
		})
	}
}

func TestStore_RoundTripEmptyCollections(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1760000000, 0)

	tests := []struct {
		name string
		user string
	}{
		{name: "empty", user: `{"id":"user-1","app_metadata":{},"user_metadata":{},"factors":[]}`},
		{name: "null", user: `{"id":"user-1","app_metadata":null,"user_metadata":null,"factors":null}`},
		{name: "absent", user: `{"id":"user-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original, err := sessions.FromTokenResponse(&oauth2.TokenResponse{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
				ExpiresIn:    3600,
				User:         json.RawMessage(tt.user),
			}, now)
			require.NoError(t, err)

			for name, store := range backends(t) {
				t.Run(name, func(t *testing.T) {
					require.NoError(t, store.Save(ctx, original))

					loaded, err := store.Load(ctx)
					require.NoError(t, err)
					require.Equal(t, original, loaded)
				})
			}
		})
	}
}

func TestStore_LoadEmpty(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			loaded, err := store.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, loaded)
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Delete(ctx), "delete with nothing stored")

			require.NoError(t, store.Save(ctx, testSession()))
			require.NoError(t, store.Delete(ctx))
			require.NoError(t, store.Delete(ctx), "second delete")

			loaded, err := store.Load(ctx)
			require.NoError(t, err)
			require.Nil(t, loaded)
		})
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(ctx, testSession()))

			next := testSession()
			next.AccessToken = "access-2"
			next.RefreshToken = "refresh-2"
			require.NoError(t, store.Save(ctx, next))

			loaded, err := store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, "access-2", loaded.AccessToken)
			require.Equal(t, "refresh-2", loaded.RefreshToken)
		})
	}
}

func TestStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("kv", func(t *testing.T) {
		kv := kvstore.NewMemoryKV()
		store, err := kvstore.NewStore(kv, testBaseURL)
		require.NoError(t, err)
		require.NoError(t, kv.Set(ctx, store.Key(), []byte("{not json")))

		loaded, err := store.Load(ctx)
		require.ErrorIs(t, err, sessions.ErrCorruptSession)
		require.Nil(t, loaded)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"access_token":""}`), 0o600))
		store, err := filestore.New(path)
		require.NoError(t, err)

		_, err = store.Load(ctx)
		require.ErrorIs(t, err, sessions.ErrCorruptSession)
	})

	t.Run("sealed file with wrong secret", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.bin")
		writer, err := filestore.New(path, filestore.WithSecret([]byte("right")))
		require.NoError(t, err)
		require.NoError(t, writer.Save(ctx, testSession()))

		reader, err := filestore.New(path, filestore.WithSecret([]byte("wrong")))
		require.NoError(t, err)
		_, err = reader.Load(ctx)
		require.ErrorIs(t, err, sessions.ErrCorruptSession)
	})
}

func TestFileStore_SealedFileIsNotPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.bin")
	store, err := filestore.New(path, filestore.WithSecret([]byte("s3cret")))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), testSession()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "refresh-1")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_Validation(t *testing.T) {
	_, err := filestore.New("")
	require.Error(t, err)

	_, err = filestore.New("x.json", filestore.WithSecret(nil))
	require.Error(t, err)
}
