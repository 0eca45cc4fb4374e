package auth

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jrsteele09/go-auth-session/sessions"
)

// Kind is the top level authentication state.
type Kind int

const (
	Initializing Kind = iota
	Authenticated
	NotAuthenticated
)

func (k Kind) String() string {
	switch k {
	case Initializing:
		return "initializing"
	case Authenticated:
		return "authenticated"
	case NotAuthenticated:
		return "not_authenticated"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source records how an Authenticated session was obtained.
type Source int

const (
	SourceNone Source = iota
	SourceInitialRestore
	SourceSignIn
	SourceSignUp
	SourceRefresh
	SourceExternal
)

func (s Source) String() string {
	switch s {
	case SourceInitialRestore:
		return "initial_restore"
	case SourceSignIn:
		return "sign_in"
	case SourceSignUp:
		return "sign_up"
	case SourceRefresh:
		return "refresh"
	case SourceExternal:
		return "external"
	default:
		return "none"
	}
}

// Reason records why the client is NotAuthenticated.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoSession
	ReasonSignedOut
	ReasonRefreshFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNoSession:
		return "no_session"
	case ReasonSignedOut:
		return "signed_out"
	case ReasonRefreshFailed:
		return "refresh_failed"
	default:
		return "none"
	}
}

// Status is an immutable snapshot of the authentication state.
type Status struct {
	Kind    Kind
	Session *sessions.Session // set when Authenticated
	Source  Source            // set when Authenticated
	Reason  Reason            // set when NotAuthenticated

	// SignInID identifies the sign-in that produced the session. It survives
	// refreshes and changes on every new sign-in or import.
	SignInID string
}

func (s Status) IsAuthenticated() bool {
	return s.Kind == Authenticated
}

func (s Status) String() string {
	switch s.Kind {
	case Authenticated:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Source)
	case NotAuthenticated:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	default:
		return s.Kind.String()
	}
}

// StatusHolder is the last-value cached observable of the current Status.
// Reads are lock free; publications are serialized and delivered to every
// subscriber, conflating when a subscriber falls behind.
type StatusHolder struct {
	current atomic.Pointer[Status]

	mu     sync.Mutex
	subs   map[int]chan Status
	nextID int
	closed bool
}

// NewStatusHolder creates a holder in the Initializing state.
func NewStatusHolder() *StatusHolder {
	h := &StatusHolder{subs: make(map[int]chan Status)}
	h.current.Store(&Status{Kind: Initializing})
	return h
}

// Current returns the latest published status.
func (h *StatusHolder) Current() Status {
	return *h.current.Load()
}

// Subscribe returns a channel that immediately holds the current status and
// then receives every later one. A slow reader only ever misses intermediate
// values, never the latest. The channel is closed by cancel or Close.
func (h *StatusHolder) Subscribe() (<-chan Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Status, 1)
	if h.closed {
		ch <- h.Current()
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	ch <- h.Current()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish replaces the current status. Returning to Initializing is rejected.
func (h *StatusHolder) Publish(next Status) error {
	if next.Kind == Initializing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.Current(), next)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.current.Store(&next)
	for _, ch := range h.subs {
		// drop the stale value a slow subscriber has not read yet
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return nil
}

// Close releases every subscriber. The current value stays readable.
func (h *StatusHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
