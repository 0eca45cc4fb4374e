// Package authtest runs an in-process OAuth2 authorization server that issues
// RS256 access tokens, rotating refresh tokens and PKCE authorization codes.
// It exists to exercise the session engine end to end.
package authtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/pkce"
)

const (
	RouteWellKnownConfig = "/.well-known/openid-configuration"
	RouteWellKnownJWKS   = "/.well-known/jwks.json"
	RouteAuthorize       = "/authorize"
	RouteToken           = "/token"

	contentTypeJSON = "application/json; charset=utf-8"
)

var errInvalidGrant = errors.New(oauth2.ErrorCodeInvalidGrant)

type authCode struct {
	userID      string
	challenge   string
	redirectURI string
}

// Server is the test authorization server. Its issuer is its URL.
type Server struct {
	*httptest.Server

	clientID  string
	accessTTL time.Duration
	nowTime   func() time.Time

	mu        sync.Mutex
	keys      []*KeyPair // the last one signs
	users     map[string]*User
	refresh   map[string]string // refresh token -> user ID
	codes     map[string]*authCode
	grants    map[string]int
	failNext  atomic.Int32
	loginUser string
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = ttl
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Server) {
		s.nowTime = nowFunc
	}
}

// NewServer starts a server accepting clientID. Callers must Close it.
func NewServer(clientID string, options ...Option) (*Server, error) {
	key, err := GenerateKeyPair("key-1")
	if err != nil {
		return nil, err
	}
	s := &Server{
		clientID:  clientID,
		accessTTL: time.Hour,
		nowTime:   time.Now,
		keys:      []*KeyPair{key},
		users:     make(map[string]*User),
		refresh:   make(map[string]string),
		codes:     make(map[string]*authCode),
		grants:    make(map[string]int),
	}
	for _, opt := range options {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+RouteWellKnownConfig, s.handleWellKnownConfig)
	mux.HandleFunc("GET "+RouteWellKnownJWKS, s.handleJWKS)
	mux.HandleFunc("GET "+RouteAuthorize, s.handleAuthorize)
	mux.HandleFunc("POST "+RouteToken, s.handleToken)
	s.Server = httptest.NewServer(mux)
	return s, nil
}

// Issuer is the iss claim of every issued token.
func (s *Server) Issuer() string {
	return s.URL
}

// AddUser registers a user that can sign in with password. The first user
// added is also the one approved at the authorize endpoint.
func (s *Server) AddUser(u *User, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Email] = u
	if s.loginUser == "" {
		s.loginUser = u.Email
	}
	return nil
}

// RotateKey adds a signing key; later tokens are signed with it while the
// previous keys stay published.
func (s *Server) RotateKey(keyID string) error {
	key, err := GenerateKeyPair(keyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

// RevokeAll invalidates every refresh token of the user.
func (s *Server) RevokeAll(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[email]
	if u == nil {
		return
	}
	for token, userID := range s.refresh {
		if userID == u.ID {
			delete(s.refresh, token)
		}
	}
}

// FailNext makes the next n token requests fail with a 503.
func (s *Server) FailNext(n int) {
	s.failNext.Store(int32(n))
}

// Grants returns how many successful token requests used grantType.
func (s *Server) Grants(grantType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[grantType]
}

// Approve plays the user agent at the authorize endpoint: it requests
// authURL and returns the redirect the server answers with.
func (s *Server) Approve(authURL string) (*url.URL, error) {
	client := *s.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Get(authURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("authorize: unexpected status %d", resp.StatusCode)
	}
	return url.Parse(resp.Header.Get("Location"))
}

func (s *Server) handleWellKnownConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.Issuer() + RouteAuthorize,
		"token_endpoint":                        s.Issuer() + RouteToken,
		"jwks_uri":                              s.Issuer() + RouteWellKnownJWKS,
		"response_types_supported":              []string{"code", "token"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "password"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	set := JWKS{Keys: make([]JWK, 0, len(s.keys))}
	for _, k := range s.keys {
		set.Keys = append(set.Keys, k.ToJWK())
	}
	s.mu.Unlock()

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != s.clientID || redirectURI == "" {
		writeJSONError(w, oauth2.ErrorCodeInvalidRequest, "unknown client or missing redirect_uri", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONError(w, oauth2.ErrorCodeInvalidRequest, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	user := s.users[s.loginUser]
	s.mu.Unlock()

	params := url.Values{}
	switch {
	case user == nil:
		params.Set(oauth2.ParamError, oauth2.ErrorCodeAccessDenied)
		params.Set(oauth2.ParamErrorDescription, "no user to sign in")
	case q.Get("response_type") != "code" || q.Get("code_challenge_method") != string(oauth2.CodeMethodTypeS256):
		params.Set(oauth2.ParamError, oauth2.ErrorCodeInvalidRequest)
		params.Set(oauth2.ParamErrorDescription, "only the S256 code flow is supported")
	default:
		code := randomToken()
		s.mu.Lock()
		s.codes[code] = &authCode{userID: user.ID, challenge: q.Get("code_challenge"), redirectURI: redirectURI}
		s.mu.Unlock()
		params.Set(oauth2.ParamCode, code)
	}
	if state := q.Get(oauth2.ParamState); state != "" {
		params.Set(oauth2.ParamState, state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.failNext.Add(-1) >= 0 {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, oauth2.ErrorCodeInvalidRequest, "Failed to parse form data", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("client_id") != s.clientID {
		writeJSONError(w, "invalid_client", "unknown client", http.StatusUnauthorized)
		return
	}

	grantType := r.PostForm.Get("grant_type")
	var (
		user *User
		err  error
	)
	switch grantType {
	case "password":
		user, err = s.passwordGrant(r.PostForm.Get("username"), r.PostForm.Get("password"))
	case "refresh_token":
		user, err = s.refreshGrant(r.PostForm.Get("refresh_token"))
	case "authorization_code":
		user, err = s.codeGrant(r.PostForm.Get("code"), r.PostForm.Get("code_verifier"), r.PostForm.Get("redirect_uri"))
	default:
		writeJSONError(w, "unsupported_grant_type", grantType, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeJSONError(w, oauth2.ErrorCodeInvalidGrant, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.issue(user)
	if err != nil {
		writeJSONError(w, "server_error", err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.grants[grantType]++
	s.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) passwordGrant(email, password string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[email]
	if u == nil || !CheckPasswordHash(password, u.PasswordHash) {
		return nil, fmt.Errorf("%w: invalid login credentials", errInvalidGrant)
	}
	return u, nil
}

// refreshGrant redeems a refresh token. Tokens rotate: each is single use.
func (s *Server) refreshGrant(token string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token not found or already used", errInvalidGrant)
	}
	delete(s.refresh, token)
	return s.userByIDLocked(userID)
}

// codeGrant redeems an authorization code. Codes are single use.
func (s *Server) codeGrant(code, verifier, redirectURI string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code not found or already used", errInvalidGrant)
	}
	delete(s.codes, code)

	if c.redirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri mismatch", errInvalidGrant)
	}
	if err := pkce.ValidateChallenge(verifier, c.challenge, oauth2.CodeMethodTypeS256); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidGrant, err)
	}
	return s.userByIDLocked(c.userID)
}

func (s *Server) userByIDLocked(id string) (*User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: user not found", errInvalidGrant)
}

// issue creates an access token and a new refresh token for user.
func (s *Server) issue(user *User) (*oauth2.TokenResponse, error) {
	now := s.nowTime()
	expiresAt := now.Add(s.accessTTL)
	sessionID := uuid.NewString()

	s.mu.Lock()
	key := s.keys[len(s.keys)-1]
	s.mu.Unlock()

	accessToken, err := key.Sign(jwt.MapClaims{
		"iss":        s.Issuer(),
		"sub":        user.ID,
		"aud":        "authenticated",
		"email":      user.Email,
		"role":       user.Role,
		"aal":        user.AAL,
		"amr":        user.methods(now),
		"session_id": sessionID,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
		"jti":        uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	refreshToken := randomToken()
	s.mu.Lock()
	s.refresh[refreshToken] = user.ID
	s.mu.Unlock()

	userJSON, err := json.Marshal(user.json())
	if err != nil {
		return nil, err
	}
	at := expiresAt.Unix()
	return &oauth2.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL / time.Second),
		ExpiresAt:    &at,
		RefreshToken: refreshToken,
		User:         userJSON,
	}, nil
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an OAuth2 error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, oauth2.Error{Code: errorCode, Description: description})
}
