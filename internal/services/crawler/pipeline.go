package crawler

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/extensions"
)

// ItemPipeline passes scraped items through the item handlers in order
type ItemPipeline struct {
	handlers []extensions.ItemHandler
	events   interfaces.EventService
	taskID   string
	logger   arbor.ILogger
}

// NewItemPipeline creates a pipeline. events may be nil.
func NewItemPipeline(handlers []extensions.ItemHandler, events interfaces.EventService, taskID string, logger arbor.ILogger) *ItemPipeline {
	return &ItemPipeline{
		handlers: handlers,
		events:   events,
		taskID:   taskID,
		logger:   logger,
	}
}

// Process runs item through every handler. A handler returning
// models.ErrIgnoreItem drops the item; other handler errors are logged and
// drop the item without failing the crawl.
func (p *ItemPipeline) Process(ctx context.Context, resp *models.Response, item models.Item) {
	var err error
	for _, h := range p.handlers {
		item, err = h.HandleItem(ctx, item)
		if errors.Is(err, models.ErrIgnoreItem) {
			p.publish(ctx, interfaces.EventItemIgnored, resp, err.Error())
			return
		}
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("task_id", p.taskID).
				Str("url", responseURL(resp)).
				Msg("Item handler failed")
			return
		}
		if item == nil {
			p.publish(ctx, interfaces.EventItemIgnored, resp, "dropped by handler")
			return
		}
	}
	p.publish(ctx, interfaces.EventItemScraped, resp, "")
}

func (p *ItemPipeline) publish(ctx context.Context, eventType interfaces.EventType, resp *models.Response, reason string) {
	if p.events == nil {
		return
	}
	payload := map[string]interface{}{
		"task_id": p.taskID,
		"url":     responseURL(resp),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := p.events.PublishSync(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		p.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Event handler failed")
	}
}

func responseURL(resp *models.Response) string {
	if resp == nil {
		return ""
	}
	return resp.URL
}
