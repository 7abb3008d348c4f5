// Package bus is the in-process event bus between the aggregator, the
// command router, and the event sinks (stream broker, webhook
// dispatcher). Dispatch is synchronous and in order: subscribers see
// events exactly as they were produced.
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted on the bus.
const (
	EventHostAdded             = "host.discovered"
	EventHostUpdated           = "host.updated"
	EventHostRemoved           = "host.removed"
	EventHostStatusTransition  = "host.status-transition"
	EventHostsChanged          = "hosts.changed"
	EventNodeConnected         = "node.connected"
	EventNodeDisconnected      = "node.disconnected"
	EventNodeHostsUnreachable  = "node.hosts-unreachable"
	EventNodeHostsRemoved      = "node.hosts-removed"
	EventWakeVerified          = "wake.verified"
)

// Mutating reports whether subscribers should treat the event as a state
// change worth refreshing for.
func Mutating(eventType string) bool {
	switch eventType {
	case EventHostAdded, EventHostUpdated, EventHostRemoved,
		EventHostsChanged, EventWakeVerified:
		return true
	}
	return false
}

// Event is one bus event. Payload is kept as a marshalable value; the
// stream broker serializes it once per broadcast.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// MarshalStream serializes the event in the subscriber-stream shape,
// with the changed flag derived from the event type.
func (e Event) MarshalStream() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":      e.Type,
		"changed":   Mutating(e.Type),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   e.Payload,
	})
}

// Subscriber receives events synchronously. Implementations must be
// fast; slow work belongs on the subscriber's own goroutines.
type Subscriber interface {
	OnEvent(e Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(e Event)

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(e Event) { f(e) }

// Bus is a bounded, fixed-registry event bus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []registration
}

type registration struct {
	id  int
	sub Subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber and returns a function that removes
// it again. Registration happens during startup wiring; the set is
// small and fixed afterwards. The returned function is used during
// shutdown so sinks stop receiving before their connections close.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, registration{id: id, sub: s})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, reg := range b.subs {
			if reg.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber, synchronously, in
// registration order.
func (b *Bus) Publish(eventType string, payload any) {
	b.publish(Event{Type: eventType, Timestamp: time.Now(), Payload: payload})
}

// PublishAt delivers an event with an explicit timestamp.
func (b *Bus) PublishAt(eventType string, at time.Time, payload any) {
	b.publish(Event{Type: eventType, Timestamp: at, Payload: payload})
}

func (b *Bus) publish(e Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, reg := range b.subs {
		subs = append(subs, reg.sub)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnEvent(e)
	}
}
