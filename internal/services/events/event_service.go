package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
)

// ErrSubscriptionNotFound is returned by Unsubscribe for unknown ids
var ErrSubscriptionNotFound = errors.New("subscription not found")

type subscription struct {
	id      interfaces.SubscriptionID
	handler interfaces.EventHandler
}

// Service implements EventService interface with pub/sub pattern
type Service struct {
	subscribers map[interfaces.EventType][]subscription
	index       map[interfaces.SubscriptionID]interfaces.EventType
	nextID      interfaces.SubscriptionID
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]subscription),
		index:       make(map[interfaces.SubscriptionID]interfaces.EventType),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) (interfaces.SubscriptionID, error) {
	if handler == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subscribers[eventType] = append(s.subscribers[eventType], subscription{id: id, handler: handler})
	s.index[id] = eventType

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return id, nil
}

// Unsubscribe removes the handler registered under id
func (s *Service) Unsubscribe(id interfaces.SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventType, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	delete(s.index, id)

	subs := s.subscribers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			// Copy so that handler snapshots taken by in-progress publishes stay intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			s.subscribers[eventType] = next
			break
		}
	}

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Msg("Event handler unsubscribed")

	return nil
}

func (s *Service) handlers(eventType interfaces.EventType) []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[eventType]
}

// Publish delivers an event to all subscribers on a background goroutine,
// preserving registration order
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	subs := s.handlers(event.Type)
	if len(subs) == 0 {
		return nil
	}

	common.SafeGo(s.logger, "publish:"+string(event.Type), func() {
		_ = s.dispatch(ctx, event, subs)
	})

	return nil
}

// PublishSync delivers an event to all subscribers in registration order and
// returns once every handler has run
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	subs := s.handlers(event.Type)
	if len(subs) == 0 {
		return nil
	}
	return s.dispatch(ctx, event, subs)
}

func (s *Service) dispatch(ctx context.Context, event interfaces.Event, subs []subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			s.logger.Error().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Event handler failed")
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("event handlers failed: %w", errors.Join(errs...))
	}
	return nil
}

// Close drops every subscription
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]subscription)
	s.index = make(map[interfaces.SubscriptionID]interfaces.EventType)
	s.logger.Debug().Msg("Event service closed")

	return nil
}
