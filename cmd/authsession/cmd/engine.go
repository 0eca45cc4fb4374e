package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/metrics"
	"github.com/jrsteele09/go-auth-session/jwks"
	"github.com/jrsteele09/go-auth-session/pkce"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/sessions/filestore"
	"github.com/jrsteele09/go-auth-session/sessions/kvstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// runtime is a started engine plus what has to be released with it.
type runtime struct {
	engine   *auth.Engine
	registry *prometheus.Registry
	closers  []func()
}

func (r *runtime) Close() {
	if r.engine != nil {
		r.engine.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// valkeyKV is the valkey backend as the CLI uses it.
type valkeyKV interface {
	kvstore.KV
	Close()
}

var dialValkey = func(addrs ...string) (valkeyKV, error) {
	kv, err := kvstore.DialValkey(addrs...)
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// startEngine builds an engine from the environment and restores the stored
// session. Whatever was opened is released when it fails.
func startEngine(ctx context.Context) (_ *runtime, err error) {
	c := config.New()
	if err := config.Validate(c); err != nil {
		return nil, err
	}
	rt := &runtime{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	endpointCfg := auth.EndpointConfig{
		ClientID:     c.GetClientID(),
		ClientSecret: c.GetClientSecret(),
		AuthURL:      c.GetAuthURL(),
		TokenURL:     c.GetTokenURL(),
		Scopes:       c.GetScopes(),
	}
	var endpoint *auth.OAuth2Endpoint
	jwksURL := c.GetJWKSURL()
	if issuer := c.GetIssuer(); issuer != "" {
		endpoint, err = auth.DiscoverEndpoint(ctx, issuer, endpointCfg)
		if jwksURL == "" && endpoint != nil {
			jwksURL = endpoint.JWKSURL()
		}
	} else {
		endpoint, err = auth.NewOAuth2Endpoint(endpointCfg)
	}
	if err != nil {
		return nil, err
	}

	store, verifiers, err := buildStores(c, rt)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New(rt.registry)
	if err != nil {
		return nil, err
	}

	options := []auth.Option{
		auth.WithSessionStore(store),
		auth.WithCodeVerifierCache(verifiers),
		auth.WithSafetyMargin(c.GetSafetyMargin()),
		auth.WithRequestTimeout(c.GetRequestTimeout()),
		auth.WithRetryPolicy(auth.RetryPolicy{
			Base:          c.GetRetryBase(),
			Cap:           c.GetRetryCap(),
			MaxRetries:    c.GetRetryMax(),
			JitterPercent: 10,
		}),
		auth.WithMetrics(m),
		auth.WithLogger(log.Logger.With().Str("component", "auth").Logger()),
	}

	providers, err := loadProviders(c.GetProvidersFile())
	if err != nil {
		return nil, err
	}
	options = append(options, auth.WithProviders(providers...))

	if jwksURL != "" {
		verifier, err := jwks.NewVerifier(jwksURL, c.GetIssuer(), jwks.WithTTL(c.GetJWKSTTL()))
		if err != nil {
			return nil, err
		}
		options = append(options, auth.WithClaimsVerifier(verifier))
	}

	engine, err := auth.New(endpoint, options...)
	if err != nil {
		return nil, err
	}
	rt.engine = engine

	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

func buildStores(c config.Config, rt *runtime) (sessions.Store, pkce.Cache, error) {
	switch c.GetStoreKind() {
	case config.StoreMemory:
		return sessions.NewMemoryStore(), pkce.NewMemoryCache(), nil

	case config.StoreValkey:
		kv, err := dialValkey(c.GetValkeyAddrs()...)
		if err != nil {
			return nil, nil, err
		}
		rt.closers = append(rt.closers, kv.Close)
		store, err := kvstore.NewStore(kv, c.GetAuthBaseURL())
		if err != nil {
			return nil, nil, err
		}
		verifiers, err := kvstore.NewVerifierCache(kv, c.GetAuthBaseURL())
		if err != nil {
			return nil, nil, err
		}
		return store, verifiers, nil

	default:
		var opts []filestore.Option
		if secret := c.GetStoreSecret(); secret != "" {
			opts = append(opts, filestore.WithSecret([]byte(secret)))
		}
		store, err := filestore.New(c.GetSessionFile(), opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, pkce.NewMemoryCache(), nil
	}
}

func loadProviders(path string) ([]*auth.Provider, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open providers: %w", err)
	}
	defer f.Close()
	return auth.LoadProviders(f)
}
