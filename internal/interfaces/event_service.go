package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventCrawlerStarted    EventType = "crawler_started"
	EventRequestScheduled  EventType = "request_scheduled"
	EventRequestIgnored    EventType = "request_ignored"
	EventResponseReceived  EventType = "response_received"
	EventItemScraped       EventType = "item_scraped"
	EventItemIgnored       EventType = "item_ignored"
	EventCrawlerShutdown   EventType = "crawler_shutdown"
	EventTaskStatusChanged EventType = "task_status_changed"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID identifies one registered handler. Callers keep it and
// unsubscribe explicitly on teardown.
type SubscriptionID uint64

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe registers a handler for an event type. Handlers for the same
	// type are invoked in registration order.
	Subscribe(eventType EventType, handler EventHandler) (SubscriptionID, error)

	// Unsubscribe removes a handler registered by Subscribe
	Unsubscribe(id SubscriptionID) error

	// Publish an event to all subscribers without waiting
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
