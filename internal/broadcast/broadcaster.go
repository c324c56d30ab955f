// ABOUTME: In-memory fan-out of relay events to live watchers
// ABOUTME: Subscribers follow one agent identity or every agent; slow subscribers drop events

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllAgents subscribes to events for every identity.
	AllAgents = ""
)

// Event kinds beyond the registry's lifecycle event types.
const (
	KindRequestCompleted = "request_completed"
)

// Event is one entry on the live feed: either an agent lifecycle
// transition or a completed request.
type Event struct {
	Kind          string    `json:"kind"`
	Identity      string    `json:"identity,omitempty"`
	ConnID        string    `json:"conn_id,omitempty"`
	Transport     string    `json:"transport,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Action        string    `json:"action,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

// Broadcaster provides in-memory pub/sub for relay events. Delivery is
// best effort: a subscriber whose buffer is full misses events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // identity -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events about identity, or about
// every agent when identity is AllAgents. The subscription ends, and the
// channel closes, when ctx is cancelled or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, identity string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[identity]; !ok {
		b.subscribers[identity] = make(map[string]chan Event)
	}
	b.subscribers[identity][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "identity", identity, "sub_id", subID)

	context.AfterFunc(ctx, func() { b.Unsubscribe(identity, subID) })

	return ch, subID
}

// Publish delivers ev to subscribers of ev.Identity and to AllAgents
// subscribers. It never blocks.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.deliver(b.subscribers[AllAgents], ev)
	if ev.Identity != AllAgents {
		b.deliver(b.subscribers[ev.Identity], ev)
	}
}

func (b *Broadcaster) deliver(subs map[string]chan Event, ev Event) {
	for subID, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", subID,
				"kind", ev.Kind,
			)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(identity, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[identity]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, identity)
	}

	b.logger.Debug("subscriber removed", "identity", identity, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel. Later publishes are dropped and
// later subscriptions receive an already-closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for identity, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, identity)
	}

	b.logger.Debug("broadcaster closed")
}
