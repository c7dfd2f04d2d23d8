package crawler

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/ternarybob/spindle/internal/models"
)

// ParseFunc turns a response into requests to schedule and items to process
type ParseFunc func(ctx context.Context, resp *models.Response) ([]any, error)

// ErrbackFunc handles a request that ended in an error. It may return
// results like a ParseFunc.
type ErrbackFunc func(ctx context.Context, req *models.Request, err error) ([]any, error)

// Spider is the user code of a crawl
type Spider interface {
	Name() string

	// StartRequests returns the initial requests. A CronSpider is asked again
	// on every tick.
	StartRequests(ctx context.Context) ([]*models.Request, error)

	// Parse is the callback of requests without a named callback
	Parse(ctx context.Context, resp *models.Response) ([]any, error)
}

// CallbackResolver is implemented by spiders whose requests name callbacks
// or errbacks
type CallbackResolver interface {
	Callback(name string) (ParseFunc, bool)
	Errback(name string) (ErrbackFunc, bool)
}

// ErrbackHandler is the errback of requests without a named errback
type ErrbackHandler interface {
	HandleError(ctx context.Context, req *models.Request, err error) ([]any, error)
}

// CronSpider re-issues its start requests on a schedule. The period is
// measured from the start of each generation.
type CronSpider interface {
	Schedule() cron.Schedule
}

// BaseSpider is embedded by spiders to get the not implemented defaults
type BaseSpider struct {
	SpiderName string
}

func (s BaseSpider) Name() string {
	return s.SpiderName
}

func (s BaseSpider) StartRequests(ctx context.Context) ([]*models.Request, error) {
	return nil, models.ErrNotImplemented
}

func (s BaseSpider) Parse(ctx context.Context, resp *models.Response) ([]any, error) {
	return nil, models.ErrNotImplemented
}
