package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	errs "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/oauth2"
	xoauth2 "golang.org/x/oauth2"
)

var (
	ErrSignedOut           = errs.ErrSignedOut
	ErrNotAuthenticated    = errs.ErrNotAuthenticated
	ErrClosed              = errs.ErrClosed
	ErrCodeAlreadyUsed     = errs.ErrCodeAlreadyUsed
	ErrMissingCodeVerifier = errs.ErrMissingCodeVerifier
	ErrNoRedirectParams    = errs.ErrNoRedirectParams
	ErrInvalidGrant        = errs.ErrInvalidGrant
	ErrMalformedResponse   = errs.ErrMalformedResponse
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrMalformedRedirect   = errors.New("malformed redirect")
)

// RefreshFailureCause classifies a failed refresh or code exchange.
type RefreshFailureCause int

const (
	CauseUnknown RefreshFailureCause = iota
	CauseNetwork
	CauseInvalidGrant
	CauseMalformedResponse
)

func (c RefreshFailureCause) String() string {
	switch c {
	case CauseNetwork:
		return "network_error"
	case CauseInvalidGrant:
		return "invalid_grant"
	case CauseMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// RefreshError is the classified failure shared by every waiter of a refresh.
type RefreshError struct {
	Cause RefreshFailureCause
	Err   error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh failed (%s): %v", e.Cause, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is lets callers match the cause with the package sentinels.
func (e *RefreshError) Is(target error) bool {
	switch target {
	case errs.ErrInvalidGrant:
		return e.Cause == CauseInvalidGrant
	case errs.ErrMalformedResponse:
		return e.Cause == CauseMalformedResponse
	}
	return false
}

// Terminal reports whether retrying cannot succeed.
func (e *RefreshError) Terminal() bool {
	return e.Cause == CauseInvalidGrant
}

// RedirectError is an error delivered by the authorization server in the redirect itself.
type RedirectError struct {
	Code        string
	Description string
	ErrorCode   string
}

func (e *RedirectError) Error() string {
	oe := oauth2.Error{Code: e.Code, Description: e.Description}
	return "redirect: " + oe.Error()
}

// ConfigurationError is a setup problem that retrying will not fix.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// classify maps a token endpoint failure to a RefreshError.
func classify(err error) *RefreshError {
	var re *RefreshError
	if errs.As(err, &re) {
		return re
	}

	var retrieveErr *xoauth2.RetrieveError
	if errs.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		switch {
		case retrieveErr.ErrorCode == oauth2.ErrorCodeInvalidGrant:
			return &RefreshError{Cause: CauseInvalidGrant, Err: err}
		case status >= http.StatusInternalServerError,
			status == http.StatusTooManyRequests,
			status == http.StatusRequestTimeout:
			return &RefreshError{Cause: CauseNetwork, Err: err}
		case retrieveErr.ErrorCode == "":
			return &RefreshError{Cause: CauseMalformedResponse, Err: err}
		default:
			return &RefreshError{Cause: CauseUnknown, Err: err}
		}
	}

	switch {
	case errs.Is(err, context.DeadlineExceeded):
		return &RefreshError{Cause: CauseNetwork, Err: err}
	case errs.Is(err, errs.ErrInvalidGrant):
		return &RefreshError{Cause: CauseInvalidGrant, Err: err}
	case errs.Is(err, errs.ErrMalformedResponse):
		return &RefreshError{Cause: CauseMalformedResponse, Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errs.As(err, &netErr) || errs.As(err, &urlErr) {
		return &RefreshError{Cause: CauseNetwork, Err: err}
	}
	return &RefreshError{Cause: CauseUnknown, Err: err}
}
