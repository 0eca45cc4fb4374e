package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names a side-channel notification.
type EventType string

const (
	// EventRefreshFailure is emitted for every failed refresh attempt.
	EventRefreshFailure EventType = "refresh_failure"
	// EventAuthError is emitted when a sign-in or redirect completion fails.
	EventAuthError EventType = "auth_error"
)

// Event is a notification that is independent of the status stream.
type Event struct {
	ID   string
	Type EventType
	At   time.Time
	Err  error

	// Refresh failures only
	Cause    RefreshFailureCause
	Attempt  int
	Terminal bool
	RetryIn  time.Duration
}

const defaultEventBuffer = 16

// EventBus fans events out to subscribers. Emit never blocks: a subscriber
// whose buffer is full misses the event and a warning is logged.
type EventBus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBus creates an EventBus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber with the given buffer size (0 uses the default).
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Emit delivers e to every subscriber, assigning an ID when it has none.
func (b *EventBus) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn().Int("subscriber", id).Str("event", string(e.Type)).Msg("event dropped, subscriber buffer full")
		}
	}
}

// Close releases every subscriber.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
