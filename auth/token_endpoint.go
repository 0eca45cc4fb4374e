package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	errs "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/sessions"
	xoauth2 "golang.org/x/oauth2"
)

// TokenEndpoint is the backend the engine trades credentials with.
type TokenEndpoint interface {
	// Refresh redeems a refresh token for a new session
	Refresh(ctx context.Context, refreshToken string) (*sessions.Session, error)

	// ExchangeCode redeems a PKCE authorization code and its verifier for a session
	ExchangeCode(ctx context.Context, code, verifier string) (*sessions.Session, error)
}

// PasswordGranter is implemented by endpoints that support the password grant.
type PasswordGranter interface {
	PasswordToken(ctx context.Context, username, password string) (*sessions.Session, error)
}

// EndpointConfig describes the token endpoint of an authorization server.
type EndpointConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

var (
	_ TokenEndpoint   = (*OAuth2Endpoint)(nil)
	_ PasswordGranter = (*OAuth2Endpoint)(nil)
)

// OAuth2Endpoint is a TokenEndpoint speaking standard OAuth2 through x/oauth2.
type OAuth2Endpoint struct {
	config  *xoauth2.Config
	client  *http.Client
	nowTime func() time.Time
	jwksURL string
}

// EndpointOption configures an OAuth2Endpoint.
type EndpointOption func(*OAuth2Endpoint)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(client *http.Client) EndpointOption {
	return func(e *OAuth2Endpoint) {
		e.client = client
	}
}

// WithEndpointNowTime sets the now function used to compute absolute expiries (primarily for testing)
func WithEndpointNowTime(nowFunc func() time.Time) EndpointOption {
	return func(e *OAuth2Endpoint) {
		e.nowTime = nowFunc
	}
}

// NewOAuth2Endpoint creates an endpoint for cfg.
func NewOAuth2Endpoint(cfg EndpointConfig, options ...EndpointOption) (*OAuth2Endpoint, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("[NewOAuth2Endpoint] client id is required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New("[NewOAuth2Endpoint] token url is required")
	}

	e := &OAuth2Endpoint{
		config: &xoauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: xoauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: xoauth2.AuthStyleInParams, // public clients send client_id in the body
			},
		},
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// DiscoverEndpoint fills the auth, token and JWKS URLs of cfg from the
// issuer's OpenID configuration.
func DiscoverEndpoint(ctx context.Context, issuer string, cfg EndpointConfig, options ...EndpointOption) (*OAuth2Endpoint, error) {
	probe := &OAuth2Endpoint{}
	for _, opt := range options {
		opt(probe)
	}
	if probe.client != nil {
		ctx = oidc.ClientContext(ctx, probe.client)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("discover %s: decode metadata: %w", issuer, err)
	}

	endpoint := provider.Endpoint()
	cfg.AuthURL = endpoint.AuthURL
	cfg.TokenURL = endpoint.TokenURL

	e, err := NewOAuth2Endpoint(cfg, options...)
	if err != nil {
		return nil, err
	}
	e.jwksURL = meta.JWKSURL
	return e, nil
}

// JWKSURL returns the key set location found by discovery, if any.
func (e *OAuth2Endpoint) JWKSURL() string {
	return e.jwksURL
}

// Config returns a copy of the underlying OAuth2 client configuration.
func (e *OAuth2Endpoint) Config() xoauth2.Config {
	return *e.config
}

func (e *OAuth2Endpoint) Refresh(ctx context.Context, refreshToken string) (*sessions.Session, error) {
	return e.grant(ctx, func(ctx context.Context) (*xoauth2.Token, error) {
		// an expired token makes the source go straight to the refresh grant
		stale := &xoauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
		return e.config.TokenSource(ctx, stale).Token()
	})
}

func (e *OAuth2Endpoint) ExchangeCode(ctx context.Context, code, verifier string) (*sessions.Session, error) {
	return e.grant(ctx, func(ctx context.Context) (*xoauth2.Token, error) {
		return e.config.Exchange(ctx, code, xoauth2.VerifierOption(verifier))
	})
}

func (e *OAuth2Endpoint) PasswordToken(ctx context.Context, username, password string) (*sessions.Session, error) {
	return e.grant(ctx, func(ctx context.Context) (*xoauth2.Token, error) {
		return e.config.PasswordCredentialsToken(ctx, username, password)
	})
}

// grant runs one token request. A 2xx response whose body x/oauth2 rejects
// is reported as ErrMalformedResponse.
func (e *OAuth2Endpoint) grant(ctx context.Context, fetch func(context.Context) (*xoauth2.Token, error)) (*sessions.Session, error) {
	base := http.DefaultClient
	if e.client != nil {
		base = e.client
	}
	tracker := &responseTracker{base: base.Transport}
	client := *base
	client.Transport = tracker

	tok, err := fetch(context.WithValue(ctx, xoauth2.HTTPClient, &client))
	if err != nil {
		var retrieveErr *xoauth2.RetrieveError
		if tracker.delivered.Load() && !errs.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
		}
		return nil, err
	}
	return e.toSession(tok)
}

// responseTracker records whether a successful response body was read to the end.
type responseTracker struct {
	base      http.RoundTripper
	delivered atomic.Bool
}

func (t *responseTracker) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		resp.Body = &trackedBody{ReadCloser: resp.Body, done: &t.delivered}
	}
	return resp, nil
}

type trackedBody struct {
	io.ReadCloser
	done *atomic.Bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		b.done.Store(true)
	}
	return n, err
}

func (e *OAuth2Endpoint) toSession(tok *xoauth2.Token) (*sessions.Session, error) {
	tr, err := tokenResponse(tok, e.nowTime())
	if err != nil {
		return nil, err
	}
	s, err := sessions.FromTokenResponse(tr, e.nowTime())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	return s, nil
}

// tokenResponse recovers the wire payload from an x/oauth2 token, including
// the non-standard fields kept in its raw extras.
func tokenResponse(tok *xoauth2.Token, now time.Time) (*oauth2.TokenResponse, error) {
	tr := &oauth2.TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}

	if v, ok := tok.Extra(oauth2.ParamExpiresIn).(float64); ok && tr.ExpiresIn == 0 {
		tr.ExpiresIn = int64(v)
	}
	if v, ok := tok.Extra(oauth2.ParamExpiresAt).(float64); ok {
		at := int64(v)
		tr.ExpiresAt = &at
	}
	if tr.ExpiresIn == 0 && tr.ExpiresAt == nil && !tok.Expiry.IsZero() {
		tr.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	if v, ok := tok.Extra(oauth2.ParamProviderToken).(string); ok && v != "" {
		tr.ProviderToken = &v
	}
	if v, ok := tok.Extra(oauth2.ParamProviderRefreshToken).(string); ok && v != "" {
		tr.ProviderRefreshToken = &v
	}
	if v, ok := tok.Extra(oauth2.ParamIDToken).(string); ok && v != "" {
		tr.IdToken = &v
	}
	if user := tok.Extra(oauth2.ParamUser); user != nil {
		raw, err := json.Marshal(user)
		if err != nil {
			return nil, fmt.Errorf("%w: user: %v", errs.ErrMalformedResponse, err)
		}
		tr.User = raw
	}
	return tr, nil
}
