package sessions

import (
	"context"
	"errors"
)

// ErrCorruptSession is returned by Store.Load when a persisted record exists
// but cannot be decoded. Callers treat it as "no stored session".
var ErrCorruptSession = errors.New("stored session could not be decoded")

// Store persists the client's current session across restarts.
// There is a single slot per client; implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored session, or nil when there is none
	Load(ctx context.Context) (*Session, error)

	// Save replaces the stored session
	Save(ctx context.Context, session *Session) error

	// Delete removes the stored session. Deleting a missing session is not an error
	Delete(ctx context.Context) error
}
