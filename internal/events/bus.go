// Package events provides the in-memory pub/sub bus that every pipeline stage
// and fault-substrate transition publishes to. Publishing never blocks: slow
// subscribers drop events, so capture write latency can never stall the
// request path.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	EventStage          Type = "stage"
	EventSelection      Type = "selection"
	EventRelease        Type = "release"
	EventRetry          Type = "retry"
	EventBreakerChange  Type = "breaker_change"
	EventBlacklistAdd   Type = "blacklist_add"
	EventBlacklistClear Type = "blacklist_clear"
	EventHealthChange   Type = "health_change"
)

// Event is a single structured event published on the bus.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Stage fields (populated for stage events).
	Stage      string  `json:"stage,omitempty"`
	Direction  string  `json:"direction,omitempty"` // "request" | "response"
	RequestID  string  `json:"request_id,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	OK         bool    `json:"ok"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	ErrorMsg   string  `json:"error_msg,omitempty"`

	// Routing fields.
	BindingID string `json:"binding_id,omitempty"`
	Category  string `json:"category,omitempty"`
	Model     string `json:"model,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`

	// Fault-substrate fields.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is unsubscribed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber whose channel buffers bufSize events
// (256 when bufSize is not positive). Size the buffer for the consumer's
// worst-case lag; anything beyond it is dropped, not queued.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 256
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and signals Done. The event channel is
// left open: a consumer mid-receive must never race a close.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish fans an event out to every subscriber. A full subscriber buffer
// drops the event rather than blocking the publisher.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
