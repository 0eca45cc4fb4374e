package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/stretchr/testify/require"
	xoauth2 "golang.org/x/oauth2"
)

// tokenServer is an httptest authorization server token endpoint.
type tokenServer struct {
	*httptest.Server
	requests atomic.Int32
	handler  atomic.Pointer[http.HandlerFunc]
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		(*ts.handler.Load())(w, r)
	}))
	t.Cleanup(ts.Close)
	ts.respond(http.StatusOK, validTokenBody("server-access", "server-refresh"))
	return ts
}

func (ts *tokenServer) handle(h http.HandlerFunc) {
	ts.handler.Store(&h)
}

func (ts *tokenServer) respond(status int, body map[string]any) {
	ts.handle(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
}

func validTokenBody(access, refresh string) map[string]any {
	return map[string]any{
		"access_token":   access,
		"refresh_token":  refresh,
		"token_type":     "bearer",
		"expires_in":     3600,
		"provider_token": "upstream-token",
		"user": map[string]any{
			"id":    testUserID,
			"email": testUserEmail,
		},
	}
}

func newTestEndpoint(t *testing.T, ts *tokenServer) *auth.OAuth2Endpoint {
	t.Helper()
	e, err := auth.NewOAuth2Endpoint(auth.EndpointConfig{
		ClientID:    "client-1",
		AuthURL:     ts.URL + "/authorize",
		TokenURL:    ts.URL + "/token",
		RedirectURL: testRedirectURL,
		Scopes:      []string{"openid", "email"},
	}, auth.WithHTTPClient(ts.Client()), auth.WithEndpointNowTime(func() time.Time { return testNow }))
	require.NoError(t, err)
	return e
}

func TestNewOAuth2Endpoint(t *testing.T) {
	_, err := auth.NewOAuth2Endpoint(auth.EndpointConfig{TokenURL: "https://auth.example.com/token"})
	require.Error(t, err)
	_, err = auth.NewOAuth2Endpoint(auth.EndpointConfig{ClientID: "client-1"})
	require.Error(t, err)
}

func TestOAuth2Endpoint_Grants(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh", func(t *testing.T) {
		ts := newTokenServer(t)
		got := make(chan map[string]string, 1)
		ts.handle(func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			got <- map[string]string{
				"grant_type":    r.PostForm.Get("grant_type"),
				"refresh_token": r.PostForm.Get("refresh_token"),
				"client_id":     r.PostForm.Get("client_id"),
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(validTokenBody("new-access", "new-refresh"))
		})

		s, err := newTestEndpoint(t, ts).Refresh(ctx, "old-refresh")
		require.NoError(t, err)

		require.Equal(t, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": "old-refresh",
			"client_id":     "client-1",
		}, <-got)
		require.Equal(t, "new-access", s.AccessToken)
		require.Equal(t, "new-refresh", s.RefreshToken)
		require.Equal(t, "upstream-token", s.ProviderToken)
		require.EqualValues(t, 3600, s.ExpiresIn)
		require.Equal(t, testNow.Add(time.Hour).Unix(), s.ExpiresAt)
		require.NotNil(t, s.User)
		require.Equal(t, testUserID, s.User.ID)
		require.Equal(t, testUserEmail, s.User.Email)
	})

	t.Run("absolute expiry wins", func(t *testing.T) {
		ts := newTokenServer(t)
		body := validTokenBody("A", "R")
		body["expires_at"] = testNow.Add(30 * time.Minute).Unix()
		ts.respond(http.StatusOK, body)

		s, err := newTestEndpoint(t, ts).Refresh(ctx, "R0")
		require.NoError(t, err)
		require.Equal(t, testNow.Add(30*time.Minute).Unix(), s.ExpiresAt)
	})

	t.Run("code exchange sends the verifier", func(t *testing.T) {
		ts := newTokenServer(t)
		got := make(chan map[string]string, 1)
		ts.handle(func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			got <- map[string]string{
				"grant_type":    r.PostForm.Get("grant_type"),
				"code":          r.PostForm.Get("code"),
				"code_verifier": r.PostForm.Get("code_verifier"),
				"redirect_uri":  r.PostForm.Get("redirect_uri"),
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(validTokenBody("A", "R"))
		})

		_, err := newTestEndpoint(t, ts).ExchangeCode(ctx, testAuthCode, testCodeVerifier)
		require.NoError(t, err)
		require.Equal(t, map[string]string{
			"grant_type":    "authorization_code",
			"code":          testAuthCode,
			"code_verifier": testCodeVerifier,
			"redirect_uri":  testRedirectURL,
		}, <-got)
	})

	t.Run("password", func(t *testing.T) {
		ts := newTokenServer(t)
		got := make(chan map[string]string, 1)
		ts.handle(func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			got <- map[string]string{
				"grant_type": r.PostForm.Get("grant_type"),
				"username":   r.PostForm.Get("username"),
				"password":   r.PostForm.Get("password"),
				"scope":      r.PostForm.Get("scope"),
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(validTokenBody("A", "R"))
		})

		s, err := newTestEndpoint(t, ts).PasswordToken(ctx, testUserEmail, testUserPassword)
		require.NoError(t, err)
		require.Equal(t, "A", s.AccessToken)
		require.Equal(t, map[string]string{
			"grant_type": "password",
			"username":   testUserEmail,
			"password":   testUserPassword,
			"scope":      "openid email",
		}, <-got)
	})

	t.Run("invalid grant", func(t *testing.T) {
		ts := newTokenServer(t)
		ts.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "revoked"})

		_, err := newTestEndpoint(t, ts).Refresh(ctx, "revoked")
		var retrieveErr *xoauth2.RetrieveError
		require.ErrorAs(t, err, &retrieveErr)
		require.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		ts := newTokenServer(t)
		body := validTokenBody("A", "")
		delete(body, "refresh_token")
		ts.respond(http.StatusOK, body)

		_, err := newTestEndpoint(t, ts).PasswordToken(ctx, testUserEmail, testUserPassword)
		require.ErrorIs(t, err, auth.ErrMalformedResponse)
	})
}

// The engine classifies whatever the real endpoint returns.
func TestEngine_RefreshFailureCauses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     map[string]any
		raw      string
		delay    time.Duration
		expected auth.RefreshFailureCause
	}{
		{
			name:     "revoked refresh token",
			status:   http.StatusBadRequest,
			body:     map[string]any{"error": "invalid_grant"},
			expected: auth.CauseInvalidGrant,
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			expected: auth.CauseNetwork,
		},
		{
			name:     "missing access token",
			status:   http.StatusOK,
			body:     map[string]any{"token_type": "bearer", "expires_in": 3600},
			expected: auth.CauseMalformedResponse,
		},
		{
			name:     "unparseable success body",
			status:   http.StatusOK,
			raw:      "<html>maintenance</html>",
			expected: auth.CauseMalformedResponse,
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			expected: auth.CauseNetwork,
		},
		{
			name:     "missing expiry",
			status:   http.StatusOK,
			body:     map[string]any{"access_token": "A", "refresh_token": "R"},
			expected: auth.CauseMalformedResponse,
		},
		{
			name:     "rejected client",
			status:   http.StatusUnauthorized,
			body:     map[string]any{"error": "invalid_client"},
			expected: auth.CauseUnknown,
		},
		{
			name:     "timeout",
			status:   http.StatusOK,
			body:     validTokenBody("A", "R"),
			delay:    time.Second,
			expected: auth.CauseNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t)
			ts.handle(func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				if tt.body != nil {
					json.NewEncoder(w).Encode(tt.body)
				}
				if tt.raw != "" {
					w.Write([]byte(tt.raw))
				}
			})

			f := setupTestFixture(t)
			engine, err := auth.New(newTestEndpoint(t, ts),
				auth.WithClock(f.clock),
				auth.WithSessionStore(f.store),
				auth.WithRequestTimeout(100*time.Millisecond),
			)
			require.NoError(t, err)
			defer engine.Close()
			require.NoError(t, engine.Start(context.Background()))
			require.NoError(t, engine.ImportSession(context.Background(), f.session(time.Hour), auth.SourceSignIn))

			_, err = engine.RefreshNow(context.Background())
			var rerr *auth.RefreshError
			require.ErrorAs(t, err, &rerr)
			require.Equal(t, tt.expected, rerr.Cause, rerr.Error())
			require.Equal(t, tt.expected == auth.CauseInvalidGrant, rerr.Terminal())
		})
	}
}

func TestDiscoverEndpoint(t *testing.T) {
	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"jwks_uri":               issuer + "/.well-known/jwks.json",
		})
	}))
	defer srv.Close()
	issuer = srv.URL

	e, err := auth.DiscoverEndpoint(context.Background(), issuer, auth.EndpointConfig{ClientID: "client-1"}, auth.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.Equal(t, issuer+"/.well-known/jwks.json", e.JWKSURL())

	cfg := e.Config()
	require.Equal(t, issuer+"/authorize", cfg.Endpoint.AuthURL)
	require.Equal(t, issuer+"/token", cfg.Endpoint.TokenURL)
	require.Equal(t, "client-1", cfg.ClientID)

	_, err = auth.DiscoverEndpoint(context.Background(), issuer+"/missing", auth.EndpointConfig{ClientID: "client-1"}, auth.WithHTTPClient(srv.Client()))
	require.Error(t, err)
}
