package pkce

import (
	"fmt"

	"github.com/jrsteele09/go-auth-session/oauth2"
)

const (
	minLength = 43
	maxLength = 128
)

// ValidateVerifier checks a verifier against RFC 7636: 43 to 128 characters
// from the unreserved set [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	if len(verifier) < minLength || len(verifier) > maxLength {
		return fmt.Errorf("code_verifier length must be between %d and %d characters", minLength, maxLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !unreserved(verifier[i]) {
			return fmt.Errorf("code_verifier contains invalid character %q", verifier[i])
		}
	}
	return nil
}

// ValidateChallenge checks that challenge was derived from verifier with method.
func ValidateChallenge(verifier, challenge string, method oauth2.CodeMethodType) error {
	if method != oauth2.CodeMethodTypeS256 {
		return fmt.Errorf("code_challenge_method must be '%s'", oauth2.CodeMethodTypeS256)
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	if Challenge(verifier) != challenge {
		return fmt.Errorf("code_challenge does not match code_verifier")
	}
	return nil
}

func unreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
