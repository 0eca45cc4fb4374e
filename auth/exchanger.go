package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/pkce"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog"
)

// RedirectResult is the outcome of completing a redirect.
type RedirectResult struct {
	Flow    Flow
	Session *sessions.Session

	// Type is the optional "type" parameter of an implicit redirect (signup, recovery, ...)
	Type string

	// CleanURL is the redirect URL with every auth parameter removed; callers
	// replace the visible URL with it.
	CleanURL *url.URL

	// Duplicate is set when the redirect had already been completed by the
	// sign-in that is still current. Nothing was changed.
	Duplicate bool
}

// importer installs a session produced by a redirect and returns the sign-in ID it was given.
type importer func(ctx context.Context, s *sessions.Session, source Source) (string, error)

// Exchanger turns redirect parameters into a session. Completions are
// serialized so a redirect delivered twice is seen as a duplicate.
type Exchanger struct {
	endpoint  TokenEndpoint
	verifiers pkce.Cache
	install   importer
	status    func() Status
	nowTime   func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	redeemed map[string]redemption // keyed by credential hash
	state    string
}

const (
	// redeemedRetention is the minimum time a redeemed credential is remembered.
	redeemedRetention = 10 * time.Minute
	maxRedeemed       = 256
)

// redemption records what a credential produced. signInID is "" once the
// sign-in is gone or when the exchange failed; a replay then fails.
type redemption struct {
	signInID string
	keepAt   time.Time
}

func newExchanger(endpoint TokenEndpoint, verifiers pkce.Cache, install importer, status func() Status, nowTime func() time.Time, logger zerolog.Logger) *Exchanger {
	return &Exchanger{
		endpoint:  endpoint,
		verifiers: verifiers,
		install:   install,
		status:    status,
		nowTime:   nowTime,
		logger:    logger,
		redeemed:  make(map[string]redemption),
	}
}

// expectState records the state sent with the pending authorization request.
func (x *Exchanger) expectState(state string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = state
}

// Complete finishes the flow carried by r.
func (x *Exchanger) Complete(ctx context.Context, r *Redirect) (*RedirectResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	// error parameters win over anything else in the redirect
	if rerr := r.Err(); rerr != nil {
		if r.Flow == FlowPKCE {
			x.dropVerifier(ctx)
		}
		return nil, rerr
	}

	switch r.Flow {
	case FlowImplicit:
		return x.completeImplicit(ctx, r)
	case FlowPKCE:
		return x.completePKCE(ctx, r)
	default:
		return nil, fmt.Errorf("complete redirect: unsupported flow %q", r.Flow)
	}
}

func (x *Exchanger) completeImplicit(ctx context.Context, r *Redirect) (*RedirectResult, error) {
	p := r.Params
	key := credentialKey("implicit", p.Get(oauth2.ParamAccessToken))
	if res, done, err := x.duplicate(key, r); done {
		return res, err
	}

	tr := &oauth2.TokenResponse{
		AccessToken:  p.Get(oauth2.ParamAccessToken),
		RefreshToken: p.Get(oauth2.ParamRefreshToken),
		TokenType:    p.Get(oauth2.ParamTokenType),
	}
	if v := p.Get(oauth2.ParamExpiresIn); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrMalformedRedirect, oauth2.ParamExpiresIn, v)
		}
		tr.ExpiresIn = n
	}
	if v := p.Get(oauth2.ParamExpiresAt); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrMalformedRedirect, oauth2.ParamExpiresAt, v)
		}
		tr.ExpiresAt = &n
	}
	if v := p.Get(oauth2.ParamProviderToken); v != "" {
		tr.ProviderToken = &v
	}
	if v := p.Get(oauth2.ParamProviderRefreshToken); v != "" {
		tr.ProviderRefreshToken = &v
	}

	session, err := sessions.FromTokenResponse(tr, x.nowTime())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRedirect, err)
	}
	if claims, err := sessions.ParseUnverified(session.AccessToken); err == nil {
		session = session.WithUser(sessions.UserFromClaims(claims))
	} else {
		x.logger.Debug().Err(err).Msg("implicit redirect: access token claims unreadable, no user snapshot")
	}

	signInID, err := x.install(ctx, session, SourceExternal)
	if err != nil {
		return nil, err
	}
	x.record(key, signInID, session.Expiry())

	return &RedirectResult{
		Flow:     FlowImplicit,
		Session:  session,
		Type:     p.Get(oauth2.ParamType),
		CleanURL: stripParams(r.URL, oauth2.ImplicitParams),
	}, nil
}

func (x *Exchanger) completePKCE(ctx context.Context, r *Redirect) (*RedirectResult, error) {
	code := r.Params.Get(oauth2.ParamCode)
	key := credentialKey("pkce", code)
	if res, done, err := x.duplicate(key, r); done {
		return res, err
	}

	if state := r.Params.Get(oauth2.ParamState); x.state != "" && state != x.state {
		return nil, &RedirectError{Code: oauth2.ErrorCodeInvalidRequest, Description: "state mismatch"}
	}

	verifier, err := x.verifiers.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load code verifier: %w", err)
	}
	if verifier == "" {
		return nil, &ConfigurationError{Err: ErrMissingCodeVerifier}
	}
	if err := pkce.ValidateVerifier(verifier); err != nil {
		x.dropVerifier(ctx)
		return nil, &ConfigurationError{Err: fmt.Errorf("cached code verifier: %w", err)}
	}

	session, err := x.endpoint.ExchangeCode(ctx, code, verifier)
	if err != nil {
		rerr := classify(err)
		if rerr.Terminal() {
			// the code is spent; a retry with the same pair can never succeed
			x.record(key, "", time.Time{})
			x.dropVerifier(ctx)
		}
		return nil, rerr
	}

	signInID, err := x.install(ctx, session, SourceExternal)
	if err != nil {
		return nil, err
	}
	x.record(key, signInID, session.Expiry())
	x.dropVerifier(ctx)

	return &RedirectResult{
		Flow:     FlowPKCE,
		Session:  session,
		CleanURL: stripParams(r.URL, oauth2.PKCEParams),
	}, nil
}

// duplicate handles a redirect whose credential was already redeemed. It is a
// no-op when the sign-in it produced is still current, an error otherwise.
func (x *Exchanger) duplicate(key string, r *Redirect) (*RedirectResult, bool, error) {
	red, seen := x.redeemed[key]
	if !seen {
		return nil, false, nil
	}

	status := x.status()
	if red.signInID != "" && status.IsAuthenticated() && status.SignInID == red.signInID {
		params := oauth2.PKCEParams
		if r.Flow == FlowImplicit {
			params = oauth2.ImplicitParams
		}
		x.logger.Debug().Str("flow", string(r.Flow)).Msg("duplicate redirect ignored")
		return &RedirectResult{
			Flow:      r.Flow,
			Session:   status.Session,
			CleanURL:  stripParams(r.URL, params),
			Duplicate: true,
		}, true, nil
	}
	return nil, true, ErrCodeAlreadyUsed
}

func (x *Exchanger) dropVerifier(ctx context.Context) {
	x.state = ""
	if err := x.verifiers.Delete(ctx); err != nil {
		x.logger.Warn().Err(err).Msg("failed to delete code verifier")
	}
}

// record remembers key until the later of expiresAt and the retention window.
func (x *Exchanger) record(key, signInID string, expiresAt time.Time) {
	now := x.nowTime()
	keepAt := now.Add(redeemedRetention)
	if expiresAt.After(keepAt) {
		keepAt = expiresAt
	}
	x.redeemed[key] = redemption{signInID: signInID, keepAt: keepAt}
	x.prune(now)
}

// prune drops expired entries that no longer back the current sign-in, then
// the oldest ones while the set is over capacity.
func (x *Exchanger) prune(now time.Time) {
	current := x.status().SignInID
	for k, red := range x.redeemed {
		if now.After(red.keepAt) && (red.signInID == "" || red.signInID != current) {
			delete(x.redeemed, k)
		}
	}
	for len(x.redeemed) > maxRedeemed {
		var oldest string
		for k, red := range x.redeemed {
			if oldest == "" || red.keepAt.Before(x.redeemed[oldest].keepAt) {
				oldest = k
			}
		}
		delete(x.redeemed, oldest)
	}
}

// signedOut detaches every redeemed credential from its sign-in, so a
// replay after sign out fails instead of signing the user back in.
func (x *Exchanger) signedOut() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for k, red := range x.redeemed {
		red.signInID = ""
		x.redeemed[k] = red
	}
	x.state = ""
}

func credentialKey(flow, credential string) string {
	sum := sha256.Sum256([]byte(flow + ":" + credential))
	return hex.EncodeToString(sum[:])
}

// stripParams returns a copy of u without names in its query or fragment.
func stripParams(u *url.URL, names []string) *url.URL {
	clean := *u
	strip := func(raw string) string {
		if raw == "" {
			return raw
		}
		values, err := url.ParseQuery(raw)
		if err != nil {
			return raw
		}
		for _, n := range names {
			values.Del(n)
		}
		return values.Encode()
	}
	clean.RawQuery = strip(u.RawQuery)
	clean.Fragment = strip(u.Fragment)
	clean.RawFragment = ""
	return &clean
}
