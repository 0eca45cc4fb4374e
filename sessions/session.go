package sessions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/oauth2"
)

// Session is the token bundle the client holds for an authenticated user.
// A Session is never mutated after it has been published; refreshes and
// re-logins replace it wholesale.
type Session struct {
	AccessToken          string `json:"access_token"`
	RefreshToken         string `json:"refresh_token"`
	ProviderToken        string `json:"provider_token,omitempty"`
	ProviderRefreshToken string `json:"provider_refresh_token,omitempty"`
	TokenType            string `json:"token_type"`
	ExpiresIn            int64  `json:"expires_in"` // seconds, at issue time
	ExpiresAt            int64  `json:"expires_at"` // unix seconds
	User                 *User  `json:"user,omitempty"`
}

// User is the snapshot of the signed in user carried with a session.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
	Factors      []Factor       `json:"factors"`
}

// Factor is an enrolled MFA factor.
type Factor struct {
	ID     string `json:"id"`
	Type   string `json:"factor_type"` // totp, phone
	Status string `json:"status"`      // verified, unverified
}

const FactorStatusVerified = "verified"

// Expiry returns the access token expiry as a time.
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin reports whether the access token expires within margin of now.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(s.Expiry())
}

// IsExpired reports whether the access token has already expired at now.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresWithin(now, 0)
}

// WithUser returns a copy of the session carrying user.
func (s *Session) WithUser(user *User) *Session {
	cp := *s
	cp.User = user
	return &cp
}

// FromTokenResponse builds a Session from a token endpoint (or implicit fragment) payload.
// When the response has no absolute expiry, it is computed from now + expires_in.
func FromTokenResponse(tr *oauth2.TokenResponse, now time.Time) (*Session, error) {
	if tr == nil || tr.AccessToken == "" {
		return nil, fmt.Errorf("token response: missing %s", oauth2.ParamAccessToken)
	}
	if tr.RefreshToken == "" {
		return nil, fmt.Errorf("token response: missing %s", oauth2.ParamRefreshToken)
	}

	s := &Session{
		AccessToken:          tr.AccessToken,
		RefreshToken:         tr.RefreshToken,
		TokenType:            tr.TokenType,
		ExpiresIn:            tr.ExpiresIn,
		ProviderToken:        utils.Value(tr.ProviderToken),
		ProviderRefreshToken: utils.Value(tr.ProviderRefreshToken),
	}
	if s.TokenType == "" {
		s.TokenType = "bearer"
	}

	switch {
	case tr.ExpiresAt != nil:
		s.ExpiresAt = *tr.ExpiresAt
	case tr.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second).Unix()
	default:
		return nil, fmt.Errorf("token response: missing %s", oauth2.ParamExpiresIn)
	}

	if len(tr.User) > 0 && string(tr.User) != "null" {
		var u User
		if err := json.Unmarshal(tr.User, &u); err != nil {
			return nil, fmt.Errorf("token response: decode user: %w", err)
		}
		s.User = &u
	}
	return s, nil
}
