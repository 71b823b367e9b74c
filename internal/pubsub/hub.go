// Package pubsub implements the real-time fan-out layer: an in-process
// topic/subscriber registry over which conversation and inbox events are
// pushed to interested consumers (agent clients, widget sessions).
//
// Semantics:
//   - Publish is fire-and-forget relative to persistence: slow subscribers
//     are skipped (their event is dropped and counted), never blocked on.
//   - Delivery is at-least-once from the consumer's point of view;
//     subscribers deduplicate by message id and resynchronize through the
//     ordered message-list query after a gap.
//   - Each conversation has its own topic; each widget has a tenant-wide
//     feed topic for inbox lists.
package pubsub

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types carried over topics. Payloads are full entities, not deltas,
// so a subscriber can render state from the latest event alone.
const (
	EventNewMessage         = "new-message"
	EventTyping             = "typing"
	EventConversationClosed = "conversation-closed"
	EventNewConversation    = "new-conversation"
)

// ConversationTopic names the per-conversation event channel.
func ConversationTopic(conversationID string) string { return "conversation." + conversationID }

// WidgetTopic names the tenant-wide feed for a widget (new conversations,
// inbox updates).
func WidgetTopic(widgetID string) string { return "widget." + widgetID }

// Event is one fan-out notification.
type Event struct {
	Topic   string    `json:"topic"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// Subscription is one consumer's handle on a topic. Events arrive on C;
// Cancel releases the subscription and closes C.
type Subscription struct {
	C      <-chan Event
	topic  string
	ch     chan Event
	hub    *Hub
	cancel sync.Once
}

// Cancel detaches the subscription from its topic and closes the channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() { s.hub.unsubscribe(s) })
}

// Hub is the subscriber registry. The zero value is not usable; construct
// with NewHub.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	buffer  int
	dropped uint64
}

// NewHub creates a hub whose subscriptions buffer up to buffer events each
// (values < 1 default to 16).
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer on topic. Independent subscribers do
// not affect each other; each gets its own buffered channel.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, hub: h}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of its topic.
// A subscriber whose buffer is full loses this event rather than slowing
// the publisher down; the drop is logged and counted.
func (h *Hub) Publish(topic, eventType string, payload any) {
	ev := Event{Topic: topic, Type: eventType, Payload: payload, TS: time.Now().UTC()}

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
			log.Warn().Str("topic", topic).Str("event", eventType).Msg("fan-out subscriber too slow, event dropped")
		}
	}
}

// Subscribers returns the current subscriber count for a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped returns how many events were lost to slow subscribers since start.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
