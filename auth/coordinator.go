package auth

import (
	"context"
	"strconv"
	"sync"

	"github.com/jrsteele09/go-auth-session/sessions"
	"golang.org/x/sync/singleflight"
)

// refreshFunc performs one network refresh. ctx is cancelled when the
// flight is aborted by Reset.
type refreshFunc func(ctx context.Context) (*sessions.Session, error)

// flight is the refresh epoch waiters attach to.
type flight struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed
}

// Coordinator collapses concurrent refresh demand into a single network call
// whose outcome is shared by every caller that arrived while it was in flight.
type Coordinator struct {
	parent context.Context
	fn     refreshFunc
	group  singleflight.Group
	// inflight is held for the duration of every network call, including one
	// left running by an aborted flight
	inflight chan struct{}

	mu  sync.Mutex
	cur *flight
}

func newCoordinator(parent context.Context, fn refreshFunc) *Coordinator {
	c := &Coordinator{parent: parent, fn: fn, inflight: make(chan struct{}, 1)}
	c.cur = c.newFlight(0)
	return c
}

func (c *Coordinator) newFlight(gen uint64) *flight {
	ctx, cancel := context.WithCancel(c.parent)
	return &flight{gen: gen, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Refresh joins the in-flight refresh or starts one. ctx only bounds how long
// this caller waits; the network call itself belongs to the flight.
func (c *Coordinator) Refresh(ctx context.Context) (*sessions.Session, error) {
	c.mu.Lock()
	f := c.cur
	c.mu.Unlock()

	ch := c.group.DoChan("refresh-"+strconv.FormatUint(f.gen, 10), func() (any, error) {
		select {
		case c.inflight <- struct{}{}:
		case <-f.ctx.Done():
			return nil, f.ctx.Err()
		}
		defer func() { <-c.inflight }()
		return c.fn(f.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			select {
			case <-f.done:
				// aborted flights report why they were aborted
				return nil, f.err
			default:
			}
			return nil, res.Err
		}
		return res.Val.(*sessions.Session), nil
	case <-f.done:
		return nil, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset aborts the current flight: its network call is cancelled and every
// waiter is released with err. Later calls start a fresh flight, whose network
// call waits until the aborted one has returned.
func (c *Coordinator) Reset(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.cur
	old.err = err
	old.cancel()
	close(old.done)
	c.cur = c.newFlight(old.gen + 1)
}
