package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session engine
var (
	// Session lifecycle errors
	ErrSignedOut        = errors.New("signed out")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrClosed           = errors.New("engine closed")

	// Token errors
	ErrInvalidGrant      = errors.New("invalid grant")
	ErrMalformedResponse = errors.New("malformed token response")

	// Redirect errors
	ErrCodeAlreadyUsed     = errors.New("authorization code already exchanged")
	ErrMissingCodeVerifier = errors.New("no code verifier cached for PKCE completion")
	ErrNoRedirectParams    = errors.New("redirect carries no auth parameters")
)

// Wrapf prefixes err with a formatted message, keeping it matchable with Is and As.
// A nil err stays nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
