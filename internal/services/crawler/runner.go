package crawler

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/dupefilter"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/downloader"
	"github.com/ternarybob/spindle/internal/services/events"
	"github.com/ternarybob/spindle/internal/services/extensions"
)

// RunnerDeps are the inputs of NewRunner. Config and Spider are required.
type RunnerDeps struct {
	Config    *common.Config
	TaskID    string
	Spider    Spider
	Registry  *extensions.Registry // nil uses the built-in stages
	Snapshots interfaces.SnapshotStorage
	Redis     *redis.Client
	Proxies   extensions.ProxySource
	Renderer  downloader.Renderer
	Logger    arbor.ILogger
}

// Runner assembles and owns everything a single crawl needs: its event bus,
// stats, downloader, dupe filter, queue and extensions.
type Runner struct {
	taskID     string
	crawler    *Crawler
	downloader *downloader.Downloader
	bus        *events.Service
	stats      *events.StatsCollector
	logSubs    []interfaces.SubscriptionID
	logger     arbor.ILogger
}

// NewRunner builds a crawler for deps.Spider from deps.Config
func NewRunner(deps RunnerDeps) (*Runner, error) {
	if deps.Config == nil || deps.Spider == nil {
		return nil, errors.New("runner requires config and spider")
	}
	logger := deps.Logger
	if logger == nil {
		logger = common.GetLogger()
	}
	registry := deps.Registry
	if registry == nil {
		registry = extensions.DefaultRegistry()
	}
	name := deps.TaskID
	if name == "" {
		name = deps.Spider.Name()
	}
	cfg := &deps.Config.Crawler

	bus := events.NewService(logger)
	logSubs, err := events.SubscribeLoggerToAllEvents(bus, logger)
	if err != nil {
		return nil, err
	}
	stats, err := events.NewStatsCollector(bus)
	if err != nil {
		return nil, err
	}

	dl, err := downloader.New(cfg, deps.Renderer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create downloader: %w", err)
	}

	filter, err := dupefilter.New(dupefilter.Deps{
		Config:    cfg,
		Snapshots: deps.Snapshots,
		Redis:     deps.Redis,
		KeyPrefix: deps.Config.Redis.KeyPrefix,
		Name:      name,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	queue, err := NewQueue(deps.Config, deps.Snapshots, deps.Redis, name, logger)
	if err != nil {
		return nil, err
	}

	mgr, err := extensions.NewManager(cfg.Extensions, registry, extensions.Deps{
		Config:  deps.Config,
		TaskID:  deps.TaskID,
		Events:  bus,
		Fetch:   dl.Fetch,
		Proxies: deps.Proxies,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	c, err := New(Options{
		Config:     cfg,
		TaskID:     deps.TaskID,
		Spider:     deps.Spider,
		Queue:      queue,
		DupeFilter: filter,
		Extensions: mgr,
		Fetch:      dl.Fetch,
		Events:     bus,
		Stats:      stats,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		taskID:     deps.TaskID,
		crawler:    c,
		downloader: dl,
		bus:        bus,
		stats:      stats,
		logSubs:    logSubs,
		logger:     logger,
	}, nil
}

// NewQueue builds the request queue selected by crawler.queue_backend
func NewQueue(config *common.Config, snapshots interfaces.SnapshotStorage, client *redis.Client, name string, logger arbor.ILogger) (RequestQueue, error) {
	cfg := config.Crawler
	switch cfg.QueueBackend {
	case "", "memory":
		if !cfg.Snapshot {
			snapshots = nil
		}
		return NewMemoryQueue(cfg.QueueSize, snapshots, name, logger), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires [redis] addr")
		}
		return NewRedisQueue(client, config.Redis.KeyPrefix, name, cfg.QueueSize, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// Run runs the crawl to completion and releases the runner's resources
func (r *Runner) Run(ctx context.Context) error {
	defer r.release()
	return r.crawler.Run(ctx)
}

// Stop shuts the crawl down and waits for it
func (r *Runner) Stop() {
	r.crawler.Stop()
}

// Done is closed when the crawl stopped
func (r *Runner) Done() <-chan struct{} {
	return r.crawler.Done()
}

// Crawler returns the underlying crawler
func (r *Runner) Crawler() *Crawler {
	return r.crawler
}

// Stats returns the crawl counters
func (r *Runner) Stats() models.TaskProgress {
	progress := r.stats.Progress(r.taskID)
	progress.QueueSize = r.crawler.Queue().Len(context.Background())
	return progress
}

func (r *Runner) release() {
	r.downloader.Close()
	if err := r.stats.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to unsubscribe stats collector")
	}
	for _, id := range r.logSubs {
		_ = r.bus.Unsubscribe(id)
	}
	if err := r.bus.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to close event bus")
	}
}
