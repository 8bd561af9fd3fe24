package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth used when the
// hub is constructed with a non-positive capacity.
const DefaultSubscriberBuffer = 64

// Hub fans orchestrator events out to live observers. Every subscriber
// owns a bounded queue; enqueueing never blocks the publisher. A
// subscriber that lets its queue fill is closed and dropped — observers
// are advisory, and a stalled one must not hold back campaign execution.
//
// Message order is preserved per publisher: the orchestrator emits each
// campaign's events in seq order from one goroutine, so subscribers see
// them in that order too.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*Subscriber
	nextID int
	closed bool
	buffer int
}

// Subscriber is one observer's handle. Read from C until it closes; a
// zero-length message is the shutdown sentinel telling the transport to
// disconnect.
type Subscriber struct {
	id int
	ch chan []byte
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// NewHub returns a hub whose subscribers buffer up to subscriberBuffer
// messages each; non-positive means DefaultSubscriberBuffer.
func NewHub(subscriberBuffer int) *Hub {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[int]*Subscriber),
		buffer: subscriberBuffer,
	}
}

// Subscribe registers a new observer. On a hub that has already shut
// down the returned subscriber's channel is closed immediately.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{id: h.nextID, ch: make(chan []byte, h.buffer)}
	h.nextID++
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes an observer and closes its channel. Calling it for
// a subscriber that was already removed (or dropped as too slow) is a
// no-op.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s.id)
}

// remove deletes and closes one subscriber; caller holds h.mu.
func (h *Hub) remove(id int) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

// Publish enqueues msg to every live subscriber. A subscriber whose
// queue is full is dropped and its channel closed.
func (h *Hub) Publish(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("Dropping slow event subscriber", "subscriber_id", id, "queue_depth", h.buffer)
			h.remove(id)
		}
	}
}

// PublishEvent wraps event in the stream envelope for campaignID and
// publishes the encoded bytes.
func (h *Hub) PublishEvent(campaignID string, event any) error {
	msg, err := json.Marshal(Envelope{CampaignID: campaignID, Event: event})
	if err != nil {
		return fmt.Errorf("encoding event envelope: %w", err)
	}
	h.Publish(msg)
	return nil
}

// SubscriberCount reports how many observers are currently registered.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Shutdown broadcasts the zero-length sentinel, closes every subscriber,
// and rejects further publishes. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		select {
		case sub.ch <- []byte{}:
		default:
		}
		delete(h.subs, id)
		close(sub.ch)
	}
}
