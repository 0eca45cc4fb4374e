package sessions

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// Authenticator assurance levels.
const (
	AAL1 = "aal1"
	AAL2 = "aal2"
)

// Claims is the subset of access token claims the client reads locally.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role,omitempty"`
	AAL          string         `json:"aal,omitempty"`
	AMR          []any          `json:"amr,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Methods returns the authentication methods from the amr claim, in order.
// Both the plain string form and the {"method": ...} object form are accepted.
func (c *Claims) Methods() []string {
	return utils.ToStringSlice(c.AMR, func(v any) (string, bool) {
		m, ok := v.(map[string]any)
		if !ok {
			return "", false
		}
		method, ok := m["method"].(string)
		return method, ok
	})
}

// ParseUnverified decodes the claims of an access token without checking the
// signature. Use jwks.Verifier when the claims must be trusted.
func ParseUnverified(accessToken string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}

// UserFromClaims derives a user snapshot from access token claims. It is used
// when a redirect delivers tokens without a user object.
func UserFromClaims(c *Claims) *User {
	return &User{
		ID:           c.Subject,
		Email:        c.Email,
		Phone:        c.Phone,
		Role:         c.Role,
		AppMetadata:  c.AppMetadata,
		UserMetadata: c.UserMetadata,
	}
}

// MfaLevel is the current and next reachable authenticator assurance level.
type MfaLevel struct {
	Current string   `json:"current_level"`
	Next    string   `json:"next_level"`
	Methods []string `json:"current_authentication_methods,omitempty"`
}

// MfaLevel derives the assurance levels of the session: the current level
// comes from the aal claim, the next one is aal2 once the user has a verified factor.
func (s *Session) MfaLevel() (MfaLevel, error) {
	claims, err := ParseUnverified(s.AccessToken)
	if err != nil {
		return MfaLevel{}, err
	}

	level := MfaLevel{Current: claims.AAL, Next: AAL1, Methods: claims.Methods()}
	if level.Current == "" {
		level.Current = AAL1
	}
	if s.User != nil {
		for _, f := range s.User.Factors {
			if f.Status == FactorStatusVerified {
				level.Next = AAL2
				break
			}
		}
	}
	return level, nil
}
