package jwks

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 10 * time.Minute

	// DefaultRefetchInterval is the minimum age of a fresh key set before an
	// unknown kid may trigger another fetch.
	DefaultRefetchInterval = 30 * time.Second

	DefaultFetchTimeout = 10 * time.Second
)

var ErrKeyNotFound = errors.New("signing key not found")

// Verifier checks access token signatures against the JWKS of an issuer.
// Keys are fetched on a cache miss, when the entry is older than the TTL, or
// when a token names a kid the cached set does not hold.
type Verifier struct {
	jwksURL      string
	issuer       string
	cache        *Cache
	ttl          time.Duration
	refetchAfter time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	nowTime      func() time.Time
	logger       zerolog.Logger
	fetches      singleflight.Group
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTTL sets how long a fetched key set is trusted.
func WithTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.ttl = ttl
	}
}

// WithRefetchInterval sets how old a fresh key set must be before a token
// with an unknown kid triggers a refetch.
func WithRefetchInterval(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.refetchAfter = d
	}
}

// WithFetchTimeout bounds a single key set fetch.
func WithFetchTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.fetchTimeout = d
	}
}

// WithCache shares a cache between verifiers.
func WithCache(c *Cache) VerifierOption {
	return func(v *Verifier) {
		v.cache = c
	}
}

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(client *http.Client) VerifierOption {
	return func(v *Verifier) {
		v.client = client
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.nowTime = nowFunc
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a Verifier for tokens of issuer signed by the keys at jwksURL.
// An empty issuer disables the iss check.
func NewVerifier(jwksURL, issuer string, options ...VerifierOption) (*Verifier, error) {
	if jwksURL == "" {
		return nil, errors.New("[NewVerifier] jwks url is required")
	}
	v := &Verifier{
		jwksURL:      jwksURL,
		issuer:       issuer,
		cache:        &Cache{},
		ttl:          DefaultTTL,
		refetchAfter: DefaultRefetchInterval,
		fetchTimeout: DefaultFetchTimeout,
		client:       http.DefaultClient,
		nowTime:      time.Now,
		logger:       log.Logger.With().Str("component", "jwks").Logger(),
	}
	for _, opt := range options {
		opt(v)
	}
	return v, nil
}

// Cache exposes the verifier's key cache.
func (v *Verifier) Cache() *Cache {
	return v.cache
}

// Keys returns a key set fresh enough to verify a token signed with kid.
// Concurrent callers share one fetch, which outlives any single caller's ctx.
func (v *Verifier) Keys(ctx context.Context, kid string) (*Entry, error) {
	now := v.nowTime()
	cached, ok := v.cache.Get()
	if ok && !cached.Stale(now, v.ttl) {
		if kid == "" || cached.Has(kid) {
			return cached, nil
		}
		if now.Sub(cached.CachedAt) < v.refetchAfter {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
	}

	ch := v.fetches.DoChan(v.jwksURL, func() (any, error) {
		return v.fetch(context.WithoutCancel(ctx))
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		if ok {
			v.logger.Warn().Err(res.Err).Msg("jwks fetch failed, using cached keys")
			return cached, nil
		}
		return nil, res.Err
	}

	entry := res.Val.(*Entry)
	if kid != "" && !entry.Has(kid) {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return entry, nil
}

func (v *Verifier) fetch(ctx context.Context) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()

	set, err := jwk.Fetch(ctx, v.jwksURL, jwk.WithHTTPClient(v.client))
	if err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", v.jwksURL, err)
	}
	next := &Entry{Keys: set, CachedAt: v.nowTime()}
	for {
		current, _ := v.cache.Get()
		if current != nil && current.CachedAt.After(next.CachedAt) {
			return current, nil
		}
		if v.cache.CompareAndSwap(current, next) {
			break
		}
	}
	v.logger.Debug().Int("keys", set.Len()).Msg("jwks refreshed")
	return next, nil
}

// Verify checks the signature, expiry and issuer of an access token and returns its claims.
func (v *Verifier) Verify(ctx context.Context, accessToken string) (*sessions.Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	kid, _ := unverified.Header["kid"].(string)

	entry, err := v.Keys(ctx, kid)
	if err != nil {
		return nil, err
	}
	keys, err := publicKeys(entry.Keys)
	if err != nil {
		return nil, err
	}

	verifier := oidc.NewVerifier(v.issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{
		SkipClientIDCheck:    true,
		SkipIssuerCheck:      v.issuer == "",
		SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
		Now:                  v.nowTime,
	})
	token, err := verifier.Verify(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims := &sessions.Claims{}
	if err := token.Claims(claims); err != nil {
		return nil, fmt.Errorf("verify token: decode claims: %w", err)
	}
	return claims, nil
}

func publicKeys(set jwk.Set) ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("jwks: key %q: %w", key.KeyID(), err)
		}
		keys = append(keys, raw)
	}
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	return keys, nil
}
