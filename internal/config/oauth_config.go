package config

import "strings"

type OAuthConfig interface {
	GetAuthBaseURL() string
	GetIssuer() string
	GetClientID() string
	GetClientSecret() string
	GetAuthURL() string
	GetTokenURL() string
	GetJWKSURL() string
	GetScopes() []string
	GetProvidersFile() string
	GetCallbackAddr() string
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

// GetAuthBaseURL returns the base URL of the authorization server (e.g., "https://auth.example.com/auth/v1").
// It also namespaces the stored session.
func (OAuth) GetAuthBaseURL() string {
	return strings.TrimRight(GetEnv("AUTH_BASE_URL", "http://localhost:8080"), "/")
}

// GetIssuer enables OpenID discovery when set.
func (OAuth) GetIssuer() string {
	return GetEnv("AUTH_ISSUER", "")
}

func (OAuth) GetClientID() string {
	return GetEnv("AUTH_CLIENT_ID", "")
}

func (OAuth) GetClientSecret() string {
	return GetEnv("AUTH_CLIENT_SECRET", "")
}

func (o OAuth) GetAuthURL() string {
	return GetEnv("AUTH_AUTHORIZE_URL", o.GetAuthBaseURL()+"/authorize")
}

func (o OAuth) GetTokenURL() string {
	return GetEnv("AUTH_TOKEN_URL", o.GetAuthBaseURL()+"/token")
}

func (OAuth) GetJWKSURL() string {
	return GetEnv("AUTH_JWKS_URL", "")
}

func (OAuth) GetScopes() []string {
	return GetEnvList("AUTH_SCOPES", []string{"openid", "email"})
}

// GetProvidersFile is the YAML catalogue of external identity providers.
func (OAuth) GetProvidersFile() string {
	return GetEnv("AUTH_PROVIDERS_FILE", "providers.yaml")
}

// GetCallbackAddr is where the local callback server listens during an external login.
func (OAuth) GetCallbackAddr() string {
	return GetEnv("AUTH_CALLBACK_ADDR", "127.0.0.1:0")
}
