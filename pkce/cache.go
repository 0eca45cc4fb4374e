// Package pkce holds the single pending PKCE code verifier of a client.
package pkce

import (
	"context"

	"golang.org/x/oauth2"
)

// Cache persists the verifier of the one pending external flow.
// It is keyed by a fixed name: starting a new flow overwrites the previous verifier.
type Cache interface {
	// Save stores verifier, replacing any previous one
	Save(ctx context.Context, verifier string) error

	// Load returns the cached verifier, or "" when there is none
	Load(ctx context.Context) (string, error)

	// Delete removes the verifier. Deleting a missing verifier is not an error
	Delete(ctx context.Context) error
}

// NewVerifier generates a high-entropy verifier suitable for RFC 7636.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeOption returns the auth URL options carrying the S256 challenge of verifier.
func ChallengeOption(verifier string) oauth2.AuthCodeOption {
	return oauth2.S256ChallengeOption(verifier)
}

// Challenge returns the S256 challenge of verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
