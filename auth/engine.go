// Package auth is the client-side session lifecycle engine: it restores,
// refreshes, persists and observes the session of a token based
// authentication protocol, and completes redirect based logins.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	errs "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/metrics"
	"github.com/jrsteele09/go-auth-session/jwks"
	"github.com/jrsteele09/go-auth-session/pkce"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSafetyMargin   = 60 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	storeTimeout          = 5 * time.Second
)

// Engine owns the current session and its status. Every write to either goes
// through the engine's lock; readers use Status, Subscribe and Session.
type Engine struct {
	endpoint       TokenEndpoint
	store          sessions.Store
	verifiers      pkce.Cache
	clock          Clock
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	claims         *jwks.Verifier
	policy         RetryPolicy
	safetyMargin   time.Duration
	requestTimeout time.Duration
	providers      map[string]*Provider

	status    *StatusHolder
	events    *EventBus
	coord     *Coordinator
	scheduler *Scheduler
	exchanger *Exchanger

	ctx    context.Context // engine scope, cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	session  *sessions.Session // the session refreshes are made with
	started  bool
	closed   bool
	signInID string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source (primarily for testing)
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSessionStore sets where the session is persisted. Defaults to memory.
func WithSessionStore(store sessions.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithCodeVerifierCache sets where the pending PKCE verifier is kept. Defaults to memory.
func WithCodeVerifierCache(cache pkce.Cache) Option {
	return func(e *Engine) {
		e.verifiers = cache
	}
}

// WithRetryPolicy sets the retry policy of failed background refreshes.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithSafetyMargin sets how long before expiry the refresh fires.
func WithSafetyMargin(margin time.Duration) Option {
	return func(e *Engine) {
		e.safetyMargin = margin
	}
}

// WithRequestTimeout bounds every token endpoint call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.requestTimeout = timeout
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClaimsVerifier enables VerifiedClaims.
func WithClaimsVerifier(v *jwks.Verifier) Option {
	return func(e *Engine) {
		e.claims = v
	}
}

// WithProviders registers the external identity providers.
func WithProviders(providers ...*Provider) Option {
	return func(e *Engine) {
		for _, p := range providers {
			e.providers[p.Name] = p
		}
	}
}

// New creates an engine that talks to endpoint. Call Start to restore the
// stored session.
func New(endpoint TokenEndpoint, options ...Option) (*Engine, error) {
	if endpoint == nil {
		return nil, errors.New("[New] token endpoint is required")
	}

	e := &Engine{
		endpoint:       endpoint,
		store:          sessions.NewMemoryStore(),
		verifiers:      pkce.NewMemoryCache(),
		clock:          RealClock(),
		logger:         log.Logger.With().Str("component", "auth").Logger(),
		policy:         DefaultRetryPolicy,
		safetyMargin:   DefaultSafetyMargin,
		requestTimeout: DefaultRequestTimeout,
		providers:      make(map[string]*Provider),
		status:         NewStatusHolder(),
	}
	for _, opt := range options {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.events = NewEventBus(e.logger)
	e.coord = newCoordinator(e.ctx, e.refresh)
	e.scheduler = newScheduler(e.clock, e.safetyMargin, e.policy, e.refreshInBackground)
	e.exchanger = newExchanger(e.endpoint, e.verifiers, e.install, e.status.Current, e.clock.Now, e.logger)
	return e, nil
}

// Start restores the persisted session and settles the initial status:
// no session gives NotAuthenticated, an unexpired one Authenticated with no
// network call, and an expired one is refreshed in the background first.
// A record that cannot be decoded is deleted and treated as no session.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	stored, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, sessions.ErrCorruptSession):
		e.logger.Warn().Err(err).Msg("discarding stored session")
		if err := e.store.Delete(ctx); err != nil {
			e.logger.Err(err).Msg("failed to delete corrupt session")
		}
		stored = nil
	case err != nil:
		e.logger.Err(err).Msg("failed to load stored session")
		stored = nil
	}

	if stored == nil {
		e.publishLocked(Status{Kind: NotAuthenticated, Reason: ReasonNoSession})
		return nil
	}

	e.session = stored
	e.signInID = uuid.NewString()
	if stored.IsExpired(e.clock.Now()) {
		e.logger.Info().Time("expired_at", stored.Expiry()).Msg("stored session expired, refreshing")
		e.backgroundLocked()
		return nil
	}

	e.publishLocked(Status{Kind: Authenticated, Session: stored, Source: SourceInitialRestore, SignInID: e.signInID})
	e.scheduler.Arm(stored)
	return nil
}

// Status returns the current status.
func (e *Engine) Status() Status {
	return e.status.Current()
}

// Subscribe streams status changes, starting with the current status.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	return e.status.Subscribe()
}

// Events streams refresh failures and auth errors.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.events.Subscribe(0)
}

// Session returns the authenticated session, or nil.
func (e *Engine) Session() *sessions.Session {
	return e.status.Current().Session
}

// NextRefreshAt returns when the next scheduled refresh fires.
func (e *Engine) NextRefreshAt() (time.Time, bool) {
	return e.scheduler.NextRefreshAt()
}

// ImportSession installs a session obtained outside the engine, e.g. from a
// sign up call, and persists it.
func (e *Engine) ImportSession(ctx context.Context, s *sessions.Session, source Source) error {
	_, err := e.install(ctx, s, source)
	return err
}

// SignInWithPassword signs in with the password grant.
func (e *Engine) SignInWithPassword(ctx context.Context, username, password string) (*sessions.Session, error) {
	granter, ok := e.endpoint.(PasswordGranter)
	if !ok {
		return nil, &ConfigurationError{Err: errors.New("token endpoint does not support the password grant")}
	}

	ctx, cancel := e.scoped(ctx)
	defer cancel()

	s, err := granter.PasswordToken(ctx, username, password)
	if err != nil {
		rerr := classify(err)
		e.events.Emit(Event{Type: EventAuthError, At: e.clock.Now(), Err: rerr, Cause: rerr.Cause})
		return nil, rerr
	}
	if _, err := e.install(ctx, s, SourceSignIn); err != nil {
		return nil, err
	}
	return s, nil
}

// AuthorizationURL starts an external login with the named provider. For the
// PKCE flow a new verifier is generated and cached, replacing any pending one.
// redirectURL overrides the provider's configured redirect when not empty.
func (e *Engine) AuthorizationURL(ctx context.Context, providerName, redirectURL string) (string, error) {
	p, ok := e.providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	state := uuid.NewString()
	verifier := ""
	if p.flow() == FlowPKCE {
		verifier = pkce.NewVerifier()
		if err := e.verifiers.Save(ctx, verifier); err != nil {
			return "", errs.Wrapf(err, "save code verifier")
		}
	}
	e.exchanger.expectState(state)
	return p.BuildAuthorizationURL(state, verifier, redirectURL), nil
}

// SignInWithProvider runs a full external login: the authorization URL is
// opened on platform and the engine waits for the redirect to complete it.
func (e *Engine) SignInWithProvider(ctx context.Context, providerName string, platform Platform) (*RedirectResult, error) {
	redirectURL := ""
	if rp, ok := platform.(RedirectURLProvider); ok {
		redirectURL = rp.RedirectURL()
	}

	authURL, err := e.AuthorizationURL(ctx, providerName, redirectURL)
	if err != nil {
		return nil, err
	}
	if err := platform.OpenURL(ctx, authURL); err != nil {
		return nil, errs.Wrapf(err, "open authorization url")
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	redirect, err := platform.WaitForRedirect(waitCtx)
	if err != nil {
		return nil, errs.Wrapf(err, "wait for redirect")
	}
	return e.HandleRedirect(ctx, redirect)
}

// HandleRedirect completes an implicit or PKCE redirect. Error parameters are
// surfaced as *RedirectError without any exchange. Delivering the same
// redirect again is a no-op while the sign-in it produced is current, and
// ErrCodeAlreadyUsed otherwise.
func (e *Engine) HandleRedirect(ctx context.Context, u *url.URL) (*RedirectResult, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	redirect, err := ParseRedirect(u)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.scoped(ctx)
	defer cancel()

	res, err := e.exchanger.Complete(ctx, redirect)
	switch {
	case err != nil:
		e.metrics.ObserveExchange(string(redirect.Flow), "error")
		ev := Event{Type: EventAuthError, At: e.clock.Now(), Err: err}
		var rerr *RefreshError
		if errors.As(err, &rerr) {
			ev.Cause = rerr.Cause
		}
		e.events.Emit(ev)
		return nil, err
	case res.Duplicate:
		e.metrics.ObserveExchange(string(redirect.Flow), "duplicate")
	default:
		e.metrics.ObserveExchange(string(redirect.Flow), "success")
	}
	return res, nil
}

// EnsureFresh returns a session that is not within the safety margin of
// expiry, refreshing first if needed. Concurrent callers share one refresh.
func (e *Engine) EnsureFresh(ctx context.Context) (*sessions.Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	current := e.session
	status := e.status.Current()
	e.mu.Unlock()

	if current == nil {
		return nil, ErrNotAuthenticated
	}
	if status.IsAuthenticated() && !current.ExpiresWithin(e.clock.Now(), e.safetyMargin) {
		return current, nil
	}
	return e.coord.Refresh(ctx)
}

// RefreshNow refreshes regardless of expiry, joining a refresh already in flight.
func (e *Engine) RefreshNow(ctx context.Context) (*sessions.Session, error) {
	e.mu.Lock()
	closed, current := e.closed, e.session
	e.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if current == nil {
		return nil, ErrNotAuthenticated
	}
	return e.coord.Refresh(ctx)
}

// Resume is called when the application returns to the foreground. Timers may
// not have fired while suspended, so a session near expiry is refreshed now.
// It reports whether a refresh was triggered.
func (e *Engine) Resume() bool {
	e.mu.Lock()
	current, closed := e.session, e.closed
	e.mu.Unlock()

	if closed || current == nil || !current.ExpiresWithin(e.clock.Now(), e.safetyMargin) {
		return false
	}
	e.scheduler.TriggerNow()
	return true
}

// SignOut forgets the session: timers are cancelled, waiters on an in-flight
// refresh receive ErrSignedOut, and the stored session and verifier are deleted.
func (e *Engine) SignOut(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.scheduler.Cancel()
	e.coord.Reset(ErrSignedOut)
	e.session = nil
	e.signInID = ""
	err := e.store.Delete(ctx)
	e.publishLocked(Status{Kind: NotAuthenticated, Reason: ReasonSignedOut})
	e.mu.Unlock()

	// outside the engine lock, the exchanger calls back into it
	e.exchanger.signedOut()
	if verr := e.verifiers.Delete(ctx); verr != nil {
		e.logger.Warn().Err(verr).Msg("failed to delete code verifier")
	}
	if err != nil {
		return errs.Wrapf(err, "delete stored session")
	}
	return nil
}

// Close cancels every timer and in-flight operation and releases all
// subscribers. The stored session is kept.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.scheduler.Cancel()
	e.coord.Reset(ErrClosed)
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.status.Close()
	e.events.Close()
	return nil
}

// VerifiedClaims verifies the access token signature against the issuer's
// keys and returns its claims.
func (e *Engine) VerifiedClaims(ctx context.Context) (*sessions.Claims, error) {
	if e.claims == nil {
		return nil, &ConfigurationError{Err: errors.New("no claims verifier configured")}
	}
	s := e.Session()
	if s == nil {
		return nil, ErrNotAuthenticated
	}
	return e.claims.Verify(ctx, s.AccessToken)
}

// MfaLevel returns the assurance levels of the current session.
func (e *Engine) MfaLevel() (sessions.MfaLevel, error) {
	s := e.Session()
	if s == nil {
		return sessions.MfaLevel{}, ErrNotAuthenticated
	}
	return s.MfaLevel()
}

// install makes s the current session under a new sign-in ID.
func (e *Engine) install(ctx context.Context, s *sessions.Session, source Source) (string, error) {
	if s == nil || s.AccessToken == "" || s.RefreshToken == "" {
		return "", errors.New("import session: access and refresh tokens are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}

	e.signInID = uuid.NewString()
	e.commitLocked(ctx, s, source)
	return e.signInID, nil
}

// commitLocked persists s, publishes it and rearms the scheduler.
func (e *Engine) commitLocked(ctx context.Context, s *sessions.Session, source Source) {
	e.session = s

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := e.store.Save(saveCtx, s); err != nil {
		e.logger.Err(err).Msg("failed to persist session")
	}

	e.publishLocked(Status{Kind: Authenticated, Session: s, Source: source, SignInID: e.signInID})
	e.scheduler.Arm(s)
}

func (e *Engine) publishLocked(next Status) {
	if err := e.status.Publish(next); err != nil {
		e.logger.Err(err).Msg("status not published")
		return
	}

	detail := next.Reason.String()
	if next.Kind == Authenticated {
		detail = next.Source.String()
	}
	e.metrics.ObserveTransition(next.Kind.String(), detail)
	e.logger.Debug().Stringer("status", next).Msg("status changed")
}

// refresh is the network call run by the coordinator. ctx is the flight
// context, cancelled on sign out and Close.
func (e *Engine) refresh(ctx context.Context) (*sessions.Session, error) {
	e.mu.Lock()
	current := e.session
	e.mu.Unlock()
	if current == nil {
		return nil, ErrNotAuthenticated
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	start := e.clock.Now()
	next, err := e.endpoint.Refresh(reqCtx, current.RefreshToken)
	elapsed := e.clock.Now().Sub(start)

	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil {
		// aborted by Reset; waiters already hold the reason
		if e.closed {
			return nil, ErrClosed
		}
		return nil, ErrSignedOut
	}
	if e.session != current {
		// replaced by a sign-in or sign-out while the call was in flight
		if e.session == nil {
			return nil, ErrSignedOut
		}
		return e.session, nil
	}

	if err != nil {
		rerr := classify(err)
		e.metrics.ObserveRefresh(rerr.Cause.String(), elapsed)
		e.refreshFailedLocked(rerr)
		return nil, rerr
	}

	e.metrics.ObserveRefresh("success", elapsed)
	if next.User == nil {
		next = next.WithUser(current.User)
	}
	source := SourceRefresh
	if e.status.Current().Kind != Authenticated {
		source = SourceInitialRestore
	}
	e.commitLocked(ctx, next, source)
	e.logger.Debug().Time("expires_at", next.Expiry()).Msg("session refreshed")
	return next, nil
}

// refreshFailedLocked applies the retry policy to a failed refresh. A terminal
// cause or an exhausted policy ends the session.
func (e *Engine) refreshFailedLocked(rerr *RefreshError) {
	attempt, retryIn, exhausted := 0, time.Duration(0), false
	terminal := rerr.Terminal()
	if terminal {
		e.scheduler.Cancel()
	} else {
		attempt, retryIn, exhausted = e.scheduler.RecordFailure()
	}

	e.events.Emit(Event{
		Type:     EventRefreshFailure,
		At:       e.clock.Now(),
		Err:      rerr,
		Cause:    rerr.Cause,
		Attempt:  attempt,
		Terminal: terminal || exhausted,
		RetryIn:  retryIn,
	})

	logEvent := e.logger.Warn()
	if terminal || exhausted {
		logEvent = e.logger.Error()
	}
	logEvent.Err(rerr).Int("attempt", attempt).Dur("retry_in", retryIn).Msg("session refresh failed")

	if terminal || exhausted {
		e.session = nil
		e.signInID = ""
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := e.store.Delete(ctx); err != nil {
			e.logger.Err(err).Msg("failed to delete stored session")
		}
		e.publishLocked(Status{Kind: NotAuthenticated, Reason: ReasonRefreshFailed})
		return
	}

	// a restore that cannot complete yet must not leave the status undetermined
	if e.status.Current().Kind == Initializing {
		e.publishLocked(Status{Kind: NotAuthenticated, Reason: ReasonRefreshFailed})
	}
}

// refreshInBackground is the scheduler's fire action.
func (e *Engine) refreshInBackground() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backgroundLocked()
}

func (e *Engine) backgroundLocked() {
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.coord.Refresh(e.ctx); err != nil {
			e.logger.Debug().Err(err).Msg("background refresh ended")
		}
	}()
}

// scoped derives a context bounded by the request timeout that is also
// cancelled when the engine closes.
func (e *Engine) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
