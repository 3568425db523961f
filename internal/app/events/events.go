// Package events provides the in-process event bus the gateway services emit
// lifecycle notifications into. Subscribers get a best-effort live feed; a
// bounded ring of recent events backs the polling endpoint.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Type tags the kind of lifecycle event.
type Type string

const (
	TypeMemberRegistered Type = "member.registered"
	TypeMemberTimeout    Type = "member.timeout"
	TypeRequestSubmitted Type = "request.submitted"
	TypeRequestResolved  Type = "request.resolved"
	TypeRefundCreated    Type = "refund.created"
	TypeRefundClaimed    Type = "refund.claimed"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Bus is a fan-out event bus with a bounded replay ring. Slow subscribers
// drop events rather than block publishers.
type Bus struct {
	mu       sync.RWMutex
	capacity int
	recent   []Event
	subs     map[int]chan Event
	nextSub  int
	log      *logger.Logger
}

// NewBus creates a bus retaining up to capacity recent events.
func NewBus(capacity int, log *logger.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[int]chan Event),
		log:      log,
	}
}

// Publish stamps and delivers an event. Delivery to subscribers is
// best-effort; a full subscriber channel drops the event for that subscriber.
func (b *Bus) Publish(evtType Type, data map[string]interface{}) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > b.capacity {
		b.recent = b.recent[len(b.recent)-b.capacity:]
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.log.WithField("event_type", evt.Type).Debug("dropping event for slow subscriber")
		}
	}
	return evt
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to limit most recent events, oldest first. limit <= 0
// returns the whole ring.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}
