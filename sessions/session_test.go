package sessions_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("1234"))
	require.NoError(t, err)
	return token
}

func TestFromTokenResponse(t *testing.T) {
	t.Run("expiry from expires_in", func(t *testing.T) {
		s, err := sessions.FromTokenResponse(&oauth2.TokenResponse{
			AccessToken:   "A",
			RefreshToken:  "R",
			ExpiresIn:     3600,
			ProviderToken: utils.Ptr("gh"),
		}, testNow)
		require.NoError(t, err)
		require.Equal(t, "A", s.AccessToken)
		require.Equal(t, "R", s.RefreshToken)
		require.Equal(t, "bearer", s.TokenType)
		require.Equal(t, "gh", s.ProviderToken)
		require.Equal(t, testNow.Add(time.Hour).Unix(), s.ExpiresAt)
		require.Nil(t, s.User)
	})

	t.Run("absolute expiry wins", func(t *testing.T) {
		s, err := sessions.FromTokenResponse(&oauth2.TokenResponse{
			AccessToken:  "A",
			RefreshToken: "R",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			ExpiresAt:    utils.Ptr(int64(1234)),
		}, testNow)
		require.NoError(t, err)
		require.Equal(t, int64(1234), s.ExpiresAt)
		require.Equal(t, "Bearer", s.TokenType)
	})

	t.Run("embedded user", func(t *testing.T) {
		s, err := sessions.FromTokenResponse(&oauth2.TokenResponse{
			AccessToken:  "A",
			RefreshToken: "R",
			ExpiresIn:    60,
			User:         json.RawMessage(`{"id":"user-1","email":"john.doe@example.com","factors":[{"id":"f","factor_type":"totp","status":"verified"}]}`),
		}, testNow)
		require.NoError(t, err)
		require.NotNil(t, s.User)
		require.Equal(t, "user-1", s.User.ID)
		require.Len(t, s.User.Factors, 1)
	})

	tests := []struct {
		name string
		tr   *oauth2.TokenResponse
	}{
		{name: "nil", tr: nil},
		{name: "missing access token", tr: &oauth2.TokenResponse{RefreshToken: "R", ExpiresIn: 60}},
		{name: "missing refresh token", tr: &oauth2.TokenResponse{AccessToken: "A", ExpiresIn: 60}},
		{name: "missing expiry", tr: &oauth2.TokenResponse{AccessToken: "A", RefreshToken: "R"}},
		{name: "bad user", tr: &oauth2.TokenResponse{AccessToken: "A", RefreshToken: "R", ExpiresIn: 60, User: json.RawMessage(`[1]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sessions.FromTokenResponse(tt.tr, testNow)
			require.Error(t, err)
		})
	}
}

func TestSession_Expiry(t *testing.T) {
	s := &sessions.Session{ExpiresAt: testNow.Add(time.Hour).Unix()}

	require.False(t, s.IsExpired(testNow))
	require.False(t, s.ExpiresWithin(testNow, 59*time.Minute))
	require.True(t, s.ExpiresWithin(testNow, time.Hour))
	require.True(t, s.IsExpired(testNow.Add(time.Hour)))
}

func TestSession_WithUser(t *testing.T) {
	s := &sessions.Session{AccessToken: "A"}
	u := &sessions.User{ID: "user-1"}

	cp := s.WithUser(u)
	require.Nil(t, s.User, "original untouched")
	require.Equal(t, u, cp.User)
	require.Equal(t, "A", cp.AccessToken)
}

func TestClaims(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":           "user-1",
		"email":         "john.doe@example.com",
		"role":          "authenticated",
		"aal":           "aal2",
		"amr":           []any{"password", map[string]any{"method": "totp", "timestamp": 1}},
		"session_id":    "sess-1",
		"app_metadata":  map[string]any{"provider": "email"},
		"user_metadata": map[string]any{"name": "John"},
	})

	claims, err := sessions.ParseUnverified(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, []string{"password", "totp"}, claims.Methods())

	u := sessions.UserFromClaims(claims)
	require.Equal(t, "user-1", u.ID)
	require.Equal(t, "john.doe@example.com", u.Email)
	require.Equal(t, "authenticated", u.Role)
	require.Equal(t, "email", u.AppMetadata["provider"])

	_, err = sessions.ParseUnverified("not-a-jwt")
	require.Error(t, err)
}

func TestMfaLevel(t *testing.T) {
	tests := []struct {
		name    string
		claims  jwt.MapClaims
		factors []sessions.Factor
		want    sessions.MfaLevel
	}{
		{
			name:   "no aal claim, no factors",
			claims: jwt.MapClaims{"sub": "user-1"},
			want:   sessions.MfaLevel{Current: sessions.AAL1, Next: sessions.AAL1, Methods: []string{}},
		},
		{
			name:    "verified factor raises next level",
			claims:  jwt.MapClaims{"sub": "user-1", "aal": "aal1", "amr": []any{"password"}},
			factors: []sessions.Factor{{ID: "f", Type: "totp", Status: sessions.FactorStatusVerified}},
			want:    sessions.MfaLevel{Current: sessions.AAL1, Next: sessions.AAL2, Methods: []string{"password"}},
		},
		{
			name:    "unverified factor does not",
			claims:  jwt.MapClaims{"sub": "user-1", "aal": "aal1"},
			factors: []sessions.Factor{{ID: "f", Type: "totp", Status: "unverified"}},
			want:    sessions.MfaLevel{Current: sessions.AAL1, Next: sessions.AAL1, Methods: []string{}},
		},
		{
			name:    "already at aal2",
			claims:  jwt.MapClaims{"sub": "user-1", "aal": "aal2", "amr": []any{"password", "totp"}},
			factors: []sessions.Factor{{ID: "f", Type: "totp", Status: sessions.FactorStatusVerified}},
			want:    sessions.MfaLevel{Current: sessions.AAL2, Next: sessions.AAL2, Methods: []string{"password", "totp"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sessions.Session{
				AccessToken: signedToken(t, tt.claims),
				User:        &sessions.User{ID: "user-1", Factors: tt.factors},
			}
			got, err := s.MfaLevel()
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
