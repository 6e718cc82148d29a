package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventAdCreated       = "ad_created"
	EventAdSold          = "ad_sold"
	EventAdDeleted       = "ad_deleted"
	EventPostSucceeded   = "post_succeeded"
	EventPostFailed      = "post_failed"
	EventAccountTripped  = "account_tripped"
	EventPostingDelisted = "posting_delisted"
)

// AdEventPayload describes the minimal ad snapshot for event consumers.
type AdEventPayload struct {
	AdID      string    `json:"ad_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Platform  string    `json:"platform,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// AccountEventPayload describes a tripped platform account.
type AccountEventPayload struct {
	Platform  string    `json:"platform"`
	AccountID string    `json:"account_id"`
	Reason    string    `json:"reason"`
	TrippedAt time.Time `json:"tripped_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
