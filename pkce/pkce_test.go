package pkce_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/pkce"
	"github.com/stretchr/testify/require"
)

const (
	testCodeVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testCodeChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := pkce.NewMemoryCache()

	t.Run("empty", func(t *testing.T) {
		v, err := cache.Load(ctx)
		require.NoError(t, err)
		require.Empty(t, v)
	})

	t.Run("save then load", func(t *testing.T) {
		require.NoError(t, cache.Save(ctx, "abc"))
		v, err := cache.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "abc", v)
	})

	t.Run("new flow replaces the verifier", func(t *testing.T) {
		require.NoError(t, cache.Save(ctx, "def"))
		v, err := cache.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "def", v)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, cache.Delete(ctx))
		require.NoError(t, cache.Delete(ctx))
		v, err := cache.Load(ctx)
		require.NoError(t, err)
		require.Empty(t, v)
	})
}

func TestNewVerifier(t *testing.T) {
	a, b := pkce.NewVerifier(), pkce.NewVerifier()
	require.NotEqual(t, a, b)
	require.NoError(t, pkce.ValidateVerifier(a))
	require.NoError(t, pkce.ValidateChallenge(a, pkce.Challenge(a), oauth2.CodeMethodTypeS256))
}

func TestChallenge(t *testing.T) {
	// RFC 7636 appendix B
	require.Equal(t, testCodeChallenge, pkce.Challenge(testCodeVerifier))
}

func TestValidateVerifier(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, pkce.ValidateVerifier(testCodeVerifier))
	})

	t.Run("too short", func(t *testing.T) {
		err := pkce.ValidateVerifier("tooshort")
		require.Error(t, err)
		require.Contains(t, err.Error(), "length must be between")
	})

	t.Run("too long", func(t *testing.T) {
		err := pkce.ValidateVerifier(strings.Repeat("a", 129))
		require.Error(t, err)
	})

	t.Run("invalid character", func(t *testing.T) {
		err := pkce.ValidateVerifier(strings.Repeat("a", 42) + "+")
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid character")
	})
}

func TestValidateChallenge(t *testing.T) {
	t.Run("valid S256", func(t *testing.T) {
		require.NoError(t, pkce.ValidateChallenge(testCodeVerifier, testCodeChallenge, oauth2.CodeMethodTypeS256))
	})

	t.Run("mismatch", func(t *testing.T) {
		err := pkce.ValidateChallenge(pkce.NewVerifier(), testCodeChallenge, oauth2.CodeMethodTypeS256)
		require.Error(t, err)
		require.Contains(t, err.Error(), "does not match")
	})

	t.Run("invalid method", func(t *testing.T) {
		err := pkce.ValidateChallenge(testCodeVerifier, testCodeChallenge, "plain")
		require.Error(t, err)
	})
}
