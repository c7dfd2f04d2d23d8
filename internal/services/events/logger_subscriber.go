package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/interfaces"
)

// AllEventTypes lists every event kind published by the runtime
var AllEventTypes = []interfaces.EventType{
	interfaces.EventCrawlerStarted,
	interfaces.EventRequestScheduled,
	interfaces.EventRequestIgnored,
	interfaces.EventResponseReceived,
	interfaces.EventItemScraped,
	interfaces.EventItemIgnored,
	interfaces.EventCrawlerShutdown,
	interfaces.EventTaskStatusChanged,
}

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if payload, ok := event.Payload.(map[string]interface{}); ok {
			for _, key := range []string{"task_id", "url", "status", "reason"} {
				switch v := payload[key].(type) {
				case string:
					if v != "" {
						logEvent = logEvent.Str(key, v)
					}
				case int:
					logEvent = logEvent.Int(key, v)
				}
			}
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
// and returns the subscription ids for teardown
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) ([]interfaces.SubscriptionID, error) {
	subscriber := NewLoggerSubscriber(logger)

	ids := make([]interfaces.SubscriptionID, 0, len(AllEventTypes))
	for _, eventType := range AllEventTypes {
		id, err := eventService.Subscribe(eventType, subscriber)
		if err != nil {
			return ids, fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
