package auth_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/stretchr/testify/require"
)

func TestTransport(t *testing.T) {
	// the API accepts only tokens issued by a refresh
	var calls atomic.Int32
	bodies := make(chan string, 4)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
		if r.Header.Get("Authorization") != "Bearer refreshed-access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	t.Run("401 triggers one refresh and a retry", func(t *testing.T) {
		calls.Store(0)
		f := setupTestFixture(t)
		f.signIn(t, time.Hour)
		client := &http.Client{Transport: &auth.Transport{Source: f.engine}}

		resp, err := client.Post(api.URL, "text/plain", strings.NewReader("payload"))
		require.NoError(t, err)
		resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.EqualValues(t, 2, calls.Load())
		require.EqualValues(t, 1, f.endpoint.refreshCalls.Load())
		require.Equal(t, "payload", <-bodies)
		require.Equal(t, "payload", <-bodies, "body replayed on retry")
	})

	t.Run("a second 401 is returned", func(t *testing.T) {
		calls.Store(0)
		f := setupTestFixture(t)
		f.signIn(t, time.Hour)
		f.endpoint.mu.Lock()
		f.endpoint.issued = 1 // the refresh issues refreshed-access-2, which the API rejects
		f.endpoint.mu.Unlock()
		client := &http.Client{Transport: &auth.Transport{Source: f.engine}}

		resp, err := client.Get(api.URL)
		require.NoError(t, err)
		resp.Body.Close()

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.EqualValues(t, 2, calls.Load())
		require.EqualValues(t, 1, f.endpoint.refreshCalls.Load())
		<-bodies
		<-bodies
	})

	t.Run("401 for a token already replaced is retried without a refresh", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, time.Hour)

		var seen []string
		var mu sync.Mutex
		stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, r.Header.Get("Authorization"))
			mu.Unlock()
			if r.Header.Get("Authorization") != "Bearer refreshed-access-1" {
				// another request refreshed while this one was out
				f.engine.RefreshNow(r.Context())
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer stale.Close()
		client := &http.Client{Transport: &auth.Transport{Source: f.engine}}

		resp, err := client.Get(stale.URL)
		require.NoError(t, err)
		resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.EqualValues(t, 1, f.endpoint.refreshCalls.Load())
		require.Equal(t, "refreshed-access-1", f.engine.Session().AccessToken)
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, seen, 2)
		require.Equal(t, "Bearer refreshed-access-1", seen[1])
	})

	t.Run("not signed in", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.engine.Start(t.Context()))
		client := &http.Client{Transport: &auth.Transport{Source: f.engine}}

		_, err := client.Get(api.URL)
		require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	})
}
