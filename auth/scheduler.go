package auth

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how a failing background refresh is retried.
type RetryPolicy struct {
	Base          time.Duration // first retry delay, doubled on every attempt
	Cap           time.Duration // upper bound of a single delay
	MaxRetries    uint64
	JitterPercent uint64
}

// DefaultRetryPolicy retries 5 times starting at 2s, capped at 1m.
var DefaultRetryPolicy = RetryPolicy{
	Base:       2 * time.Second,
	Cap:        time.Minute,
	MaxRetries: 5,
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryPolicy.Base
	}
	b := retry.NewExponential(base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Scheduler arms the one-shot timer that triggers a proactive refresh
// safetyMargin before expiry, and owns the retry policy for failed attempts.
type Scheduler struct {
	clock  Clock
	margin time.Duration
	policy RetryPolicy
	onFire func()

	mu       sync.Mutex
	timer    Timer
	gen      uint64
	nextAt   time.Time
	backoff  retry.Backoff
	failures int
}

func newScheduler(clock Clock, margin time.Duration, policy RetryPolicy, onFire func()) *Scheduler {
	return &Scheduler{
		clock:   clock,
		margin:  margin,
		policy:  policy,
		onFire:  onFire,
		backoff: policy.backoff(),
	}
}

// Delay returns max(0, expiresAt - now - margin).
func (s *Scheduler) Delay(session *sessions.Session) time.Duration {
	d := session.Expiry().Sub(s.clock.Now()) - s.margin
	if d < 0 {
		return 0
	}
	return d
}

// Arm replaces any armed timer with one for session and resets the retry policy.
func (s *Scheduler) Arm(session *sessions.Session) time.Duration {
	d := s.Delay(session)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = s.policy.backoff()
	s.failures = 0
	s.armLocked(d)
	return d
}

// RecordFailure consumes one retry. When the policy allows it, a retry timer
// is armed and its delay returned; otherwise exhausted is true and nothing is armed.
func (s *Scheduler) RecordFailure() (attempt int, retryIn time.Duration, exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	retryIn, stop := s.backoff.Next()
	if stop {
		s.stopLocked()
		return s.failures, 0, true
	}
	s.armLocked(retryIn)
	return s.failures, retryIn, false
}

// Cancel stops the armed timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// TriggerNow cancels the armed timer and fires immediately.
func (s *Scheduler) TriggerNow() {
	s.Cancel()
	s.onFire()
}

// NextRefreshAt returns when the armed timer fires.
func (s *Scheduler) NextRefreshAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.nextAt, true
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.stopLocked()

	gen := s.gen
	s.nextAt = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// a callback already running for the old timer sees a newer gen and bails
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.onFire()
}
