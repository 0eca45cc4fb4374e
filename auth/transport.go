package auth

import (
	"context"
	"io"
	"net/http"

	"github.com/jrsteele09/go-auth-session/sessions"
)

// SessionSource supplies access tokens to a Transport. *Engine implements it.
type SessionSource interface {
	Session() *sessions.Session
	EnsureFresh(ctx context.Context) (*sessions.Session, error)
	RefreshNow(ctx context.Context) (*sessions.Session, error)
}

var _ SessionSource = (*Engine)(nil)

// Transport authorizes outgoing requests with the current access token. A 401
// for the current token triggers one refresh, shared with any concurrent
// refresh, and one retry of the request. A 401 for a token that has since been
// replaced is retried with the replacement.
type Transport struct {
	Source SessionSource
	Base   http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	session, err := t.Source.EnsureFresh(req.Context())
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(authorize(req, session))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// the body was consumed and cannot be replayed
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// a refresh that finished while this request was out already replaced the token
	if current := t.Source.Session(); current != nil && current.AccessToken != session.AccessToken {
		session = current
	} else if session, err = t.Source.RefreshNow(req.Context()); err != nil {
		return nil, err
	}
	retry := authorize(req, session)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.base().RoundTrip(retry)
}

func authorize(req *http.Request, session *sessions.Session) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+session.AccessToken)
	return r
}
