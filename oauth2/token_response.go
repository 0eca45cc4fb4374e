package oauth2

import "encoding/json"

// TokenResponse is the token endpoint (and implicit fragment) payload consumed by the client.
// The same shape is returned for the refresh_token, authorization_code and password grants.
type TokenResponse struct {
	// AccessToken is the short-lived JWT sent as "Authorization: Bearer <access_token>".
	AccessToken string `json:"access_token"`

	// TokenType indicates how to use the access token (usually "bearer").
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// ExpiresAt is the absolute expiry in unix seconds, when the server provides one.
	ExpiresAt *int64 `json:"expires_at,omitempty"`

	// RefreshToken is the long-lived credential used to obtain a new access token.
	// Rotates on each use.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ProviderToken is the upstream identity provider's access token (social logins).
	ProviderToken *string `json:"provider_token,omitempty"`

	// ProviderRefreshToken is the upstream identity provider's refresh token.
	ProviderRefreshToken *string `json:"provider_refresh_token,omitempty"`

	// IdToken is the OpenID Connect ID token, present when "openid" was requested.
	IdToken *string `json:"id_token,omitempty"`

	// Scope is the space separated list of granted scopes.
	Scope string `json:"scope,omitempty"`

	// User is the raw user object some servers embed in the token response.
	User json.RawMessage `json:"user,omitempty"`
}
