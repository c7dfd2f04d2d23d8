package events

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

var countedEvents = []interfaces.EventType{
	interfaces.EventRequestScheduled,
	interfaces.EventRequestIgnored,
	interfaces.EventResponseReceived,
	interfaces.EventItemScraped,
	interfaces.EventItemIgnored,
}

// StatsCollector counts crawl events per kind. A fetcher reports the counts
// in its heartbeat.
type StatsCollector struct {
	bus    interfaces.EventService
	ids    []interfaces.SubscriptionID
	counts map[interfaces.EventType]*atomic.Int64
	errors atomic.Int64
}

// NewStatsCollector subscribes a collector to bus
func NewStatsCollector(bus interfaces.EventService) (*StatsCollector, error) {
	c := &StatsCollector{
		bus:    bus,
		counts: make(map[interfaces.EventType]*atomic.Int64, len(countedEvents)),
	}
	for _, eventType := range countedEvents {
		counter := new(atomic.Int64)
		c.counts[eventType] = counter
		id, err := bus.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			counter.Add(1)
			return nil
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.ids = append(c.ids, id)
	}
	return c, nil
}

// Count returns the number of events of kind seen so far
func (c *StatsCollector) Count(eventType interfaces.EventType) int64 {
	if counter, ok := c.counts[eventType]; ok {
		return counter.Load()
	}
	return 0
}

// RecordError counts a request that ended in an error callback
func (c *StatsCollector) RecordError() {
	c.errors.Add(1)
}

// Progress returns the counters as a task progress report
func (c *StatsCollector) Progress(taskID string) models.TaskProgress {
	return models.TaskProgress{
		TaskID:       taskID,
		Scheduled:    c.Count(interfaces.EventRequestScheduled),
		Responses:    c.Count(interfaces.EventResponseReceived),
		Ignored:      c.Count(interfaces.EventRequestIgnored),
		Items:        c.Count(interfaces.EventItemScraped),
		ItemsIgnored: c.Count(interfaces.EventItemIgnored),
		Errors:       c.errors.Load(),
	}
}

// Close unsubscribes the collector
func (c *StatsCollector) Close() error {
	var errs []error
	for _, id := range c.ids {
		if err := c.bus.Unsubscribe(id); err != nil {
			errs = append(errs, err)
		}
	}
	c.ids = nil
	return errors.Join(errs...)
}
