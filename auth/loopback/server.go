// Package loopback completes external logins on desktop and CLI clients by
// receiving the redirect on a local HTTP callback server.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ auth.Platform = (*Server)(nil)

var ErrServerClosed = errors.New("loopback server closed")

// relayPage moves fragment parameters, which browsers never send, into the
// query of a second request to the same path.
const relayPage = `<!doctype html><html><body><script>
if (location.hash.length > 1) { location.replace(location.pathname + "?" + location.hash.substring(1)); }
else { document.body.textContent = "Missing authentication parameters."; }
</script></body></html>`

const donePage = `<!doctype html><html><body>Authentication complete. You can close this window.</body></html>`

// Server is an auth.Platform backed by a local callback server.
type Server struct {
	addr   string
	path   string
	opener func(ctx context.Context, rawURL string) error
	logger zerolog.Logger

	listener net.Listener
	srv      *http.Server
	results  chan *url.URL
	done     chan struct{}
	once     sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithOpener sets how the authorization URL is opened, typically by
// launching the system browser. By default the URL is only logged.
func WithOpener(opener func(ctx context.Context, rawURL string) error) Option {
	return func(s *Server) {
		s.opener = opener
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server for addr (e.g. "127.0.0.1:0") receiving redirects on path.
func New(addr, path string, options ...Option) *Server {
	if path == "" {
		path = "/callback"
	}
	s := &Server{
		addr:    addr,
		path:    path,
		logger:  log.Logger.With().Str("component", "loopback").Logger(),
		results: make(chan *url.URL, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("loopback listen %s: %w", s.addr, err)
	}
	s.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.path, s.handleCallback)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Err(err).Msg("loopback server stopped")
		}
	}()
	s.logger.Info().Str("url", s.RedirectURL()).Msg("Starting OAuth callback server")
	return nil
}

// RedirectURL returns the URL the authorization server must redirect to.
func (s *Server) RedirectURL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String() + s.path
}

func (s *Server) OpenURL(ctx context.Context, rawURL string) error {
	if s.opener == nil {
		s.logger.Info().Str("url", rawURL).Msg("open this URL in a browser to sign in")
		return nil
	}
	return s.opener(ctx, rawURL)
}

func (s *Server) WaitForRedirect(ctx context.Context) (*url.URL, error) {
	select {
	case u := <-s.results:
		return u, nil
	case <-s.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the server.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.srv != nil {
			err = s.srv.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, relayPage)
		return
	}

	u := *r.URL
	u.Scheme = "http"
	u.Host = r.Host

	select {
	case s.results <- &u:
	default:
		// a redirect is already waiting to be consumed
		s.logger.Warn().Msg("callback ignored, previous redirect not yet consumed")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, donePage)
}
