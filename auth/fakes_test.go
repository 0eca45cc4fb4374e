package auth_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/auth/clockfake"
	"github.com/jrsteele09/go-auth-session/pkce"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	xoauth2 "golang.org/x/oauth2"
)

const (
	testUserID       = "user-1"
	testUserEmail    = "john.doe@example.com"
	testUserPassword = "password123"
	testCodeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testAuthCode     = "auth-code-1"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeEndpoint is a scripted TokenEndpoint. Refresh blocks while gate is set.
type fakeEndpoint struct {
	clock *clockfake.FakeClock

	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	passwordCalls atomic.Int32

	mu           sync.Mutex
	gate         chan struct{}
	entered      chan struct{}
	refreshErrs  []error // consumed in order, then success
	exchangeErr  error
	lastVerifier string
	issued       int
}

func newFakeEndpoint(clock *clockfake.FakeClock) *fakeEndpoint {
	return &fakeEndpoint{clock: clock}
}

// hold makes the next refreshes block until release is called.
func (f *fakeEndpoint) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 16)
}

func (f *fakeEndpoint) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gate)
}

func (f *fakeEndpoint) failRefresh(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErrs = append(f.refreshErrs, errs...)
}

func (f *fakeEndpoint) newSession(prefix string) *sessions.Session {
	f.issued++
	return &sessions.Session{
		AccessToken:  fmt.Sprintf("%s-access-%d", prefix, f.issued),
		RefreshToken: fmt.Sprintf("%s-refresh-%d", prefix, f.issued),
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    f.clock.Now().Add(time.Hour).Unix(),
	}
}

func (f *fakeEndpoint) Refresh(ctx context.Context, refreshToken string) (*sessions.Session, error) {
	f.refreshCalls.Add(1)

	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refreshErrs) > 0 {
		err := f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
		return nil, err
	}
	return f.newSession("refreshed"), nil
}

func (f *fakeEndpoint) ExchangeCode(_ context.Context, code, verifier string) (*sessions.Session, error) {
	f.exchangeCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVerifier = verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	s := f.newSession("exchanged")
	s.User = &sessions.User{ID: testUserID, Email: testUserEmail}
	return s, nil
}

func (f *fakeEndpoint) PasswordToken(_ context.Context, username, password string) (*sessions.Session, error) {
	f.passwordCalls.Add(1)
	if username != testUserEmail || password != testUserPassword {
		return nil, &xoauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "invalid credentials"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.newSession("password")
	s.User = &sessions.User{ID: testUserID, Email: testUserEmail}
	return s, nil
}

var errNetwork = errors.New("dial tcp: connection refused")

// invalidGrant is what x/oauth2 returns for a revoked refresh token.
func invalidGrant() error {
	return &xoauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "refresh token revoked"}
}

// testFixture holds an engine and its collaborators.
type testFixture struct {
	clock     *clockfake.FakeClock
	endpoint  *fakeEndpoint
	store     *sessions.MemoryStore
	verifiers *pkce.MemoryCache
	engine    *auth.Engine
}

// setupTestFixture creates an engine that is not started yet.
func setupTestFixture(t *testing.T, options ...auth.Option) *testFixture {
	t.Helper()

	f := &testFixture{
		clock:     clockfake.NewFakeClock(testNow),
		store:     sessions.NewMemoryStore(),
		verifiers: pkce.NewMemoryCache(),
	}
	f.endpoint = newFakeEndpoint(f.clock)

	opts := append([]auth.Option{
		auth.WithClock(f.clock),
		auth.WithLogger(zerolog.Nop()),
		auth.WithSessionStore(f.store),
		auth.WithCodeVerifierCache(f.verifiers),
		auth.WithSafetyMargin(60 * time.Second),
		auth.WithRetryPolicy(auth.RetryPolicy{Base: time.Second, Cap: time.Minute, MaxRetries: 2}),
	}, options...)

	engine, err := auth.New(f.endpoint, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	f.engine = engine
	return f
}

func (f *testFixture) session(expiresIn time.Duration) *sessions.Session {
	return &sessions.Session{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		TokenType:    "bearer",
		ExpiresIn:    int64(expiresIn / time.Second),
		ExpiresAt:    f.clock.Now().Add(expiresIn).Unix(),
		User:         &sessions.User{ID: testUserID, Email: testUserEmail},
	}
}

// signIn starts the engine and imports a session expiring in expiresIn.
func (f *testFixture) signIn(t *testing.T, expiresIn time.Duration) *sessions.Session {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
	s := f.session(expiresIn)
	require.NoError(t, f.engine.ImportSession(context.Background(), s, auth.SourceSignIn))
	return s
}

func (f *testFixture) stored(t *testing.T) *sessions.Session {
	t.Helper()
	s, err := f.store.Load(context.Background())
	require.NoError(t, err)
	return s
}

func waitForStatus(t *testing.T, engine *auth.Engine, kind auth.Kind) auth.Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return engine.Status().Kind == kind
	}, 2*time.Second, 5*time.Millisecond, "status never became %s (is %s)", kind, engine.Status())
	return engine.Status()
}

func nextEvent(t *testing.T, events <-chan auth.Event) auth.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return auth.Event{}
	}
}

func nextStatus(t *testing.T, updates <-chan auth.Status) auth.Status {
	t.Helper()
	select {
	case s := <-updates:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no status received")
		return auth.Status{}
	}
}
