package oauth2

// GrantType represents the OAuth 2.0 grant type sent to the token endpoint.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges an authorization code (plus PKCE verifier) for tokens.
	// Used in: PKCE redirect completion
	// Token request includes: code, code_verifier, redirect_uri, client_id
	AuthorizationCodeGrant GrantType = "authorization_code"

	// RefreshTokenGrant exchanges a refresh token for a new token pair.
	// Used in: scheduled refresh, EnsureFresh, 401 retry
	// Behavior: the server usually rotates the refresh token, the old one becomes invalid
	RefreshTokenGrant GrantType = "refresh_token"

	// PasswordGrant trades user credentials for tokens directly.
	// Used in: first-party sign in without a browser round trip
	PasswordGrant GrantType = "password"
)

// ResponseModeType denotes how the authorization server hands results back to the redirect URI.
type ResponseModeType string

const (
	// QueryResponseMode returns parameters in the URL query string.
	// Example: https://app.example.com/callback?code=ABC123&state=xyz
	// Used in: PKCE flow
	QueryResponseMode ResponseModeType = "query"

	// FragmentResponseMode returns parameters in the URL fragment (after #).
	// Example: https://app.example.com/callback#access_token=...&refresh_token=...
	// Used in: Implicit flow
	FragmentResponseMode ResponseModeType = "fragment"
)

// CodeMethodType represents the PKCE (Proof Key for Code Exchange) challenge method.
type CodeMethodType string

const (
	// CodeMethodTypeS256 indicates SHA-256 hashing is used for the code challenge.
	// Client sends: code_challenge = BASE64URL(SHA256(code_verifier))
	CodeMethodTypeS256 CodeMethodType = "S256"
)

// Redirect and token response parameter names.
const (
	ParamAccessToken          = "access_token"
	ParamRefreshToken         = "refresh_token"
	ParamExpiresIn            = "expires_in"
	ParamExpiresAt            = "expires_at"
	ParamTokenType            = "token_type"
	ParamProviderToken        = "provider_token"
	ParamProviderRefreshToken = "provider_refresh_token"
	ParamType                 = "type"
	ParamCode                 = "code"
	ParamState                = "state"
	ParamError                = "error"
	ParamErrorDescription     = "error_description"
	ParamErrorCode            = "error_code"
	ParamUser                 = "user"
	ParamIDToken              = "id_token"
)

// ImplicitParams lists every parameter the implicit flow puts in the fragment.
// They are stripped from the visible URL once the session has been imported.
var ImplicitParams = []string{
	ParamAccessToken,
	ParamRefreshToken,
	ParamExpiresIn,
	ParamExpiresAt,
	ParamTokenType,
	ParamProviderToken,
	ParamProviderRefreshToken,
	ParamType,
	ParamError,
	ParamErrorDescription,
	ParamErrorCode,
}

// PKCEParams lists the query parameters the PKCE redirect carries.
var PKCEParams = []string{
	ParamCode,
	ParamState,
	ParamError,
	ParamErrorDescription,
	ParamErrorCode,
}

// Well-known error codes.
const (
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAccessDenied   = "access_denied"
)
