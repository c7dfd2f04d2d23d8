package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/handlers"
	"github.com/ternarybob/spindle/internal/httpclient"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/server"
	"github.com/ternarybob/spindle/internal/services/crawler"
	"github.com/ternarybob/spindle/internal/services/events"
	"github.com/ternarybob/spindle/internal/services/fetcher"
	"github.com/ternarybob/spindle/internal/services/master"
	"github.com/ternarybob/spindle/internal/services/proxy"
	"github.com/ternarybob/spindle/internal/storage/badger"
)

// RunMaster serves the task registry until ctx is done
func (a *App) RunMaster(ctx context.Context) error {
	db, err := a.database()
	if err != nil {
		return err
	}

	subID, err := a.Events.Subscribe(interfaces.EventTaskStatusChanged, events.NewLoggerSubscriber(a.Logger))
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	defer a.Events.Unsubscribe(subID)

	svc := master.NewService(a.Config.Master, badger.NewTaskStorage(db, a.Logger), a.Events, a.Logger)
	srv := server.New("master", a.Config.Master.Host, a.Config.Master.Port, a.Logger, server.MasterRoutes(
		handlers.NewTaskHandler(svc, a.Logger),
		handlers.NewStatusHandler("master", a.Logger),
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// RunFetcher runs crawl tasks handed out by the master until ctx is done
func (a *App) RunFetcher(ctx context.Context) error {
	snapshots, err := a.snapshots()
	if err != nil {
		return err
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	renderer, err := a.renderPool()
	if err != nil {
		return err
	}

	svc, err := fetcher.NewService(fetcher.Deps{
		Config:    a.Config,
		Master:    httpclient.NewMasterClient(a.Config.Fetcher.MasterURL, httpclient.WithLogger(a.Logger)),
		Spiders:   a.Spiders,
		Snapshots: snapshots,
		Redis:     client,
		Proxies:   a.proxySource(),
		Renderer:  renderer,
		Logger:    a.Logger,
	})
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("fetcher_id", svc.ID()).
		Str("master_url", a.Config.Fetcher.MasterURL).
		Msg("Fetcher started")
	return svc.Run(ctx)
}

// RunAgent maintains and serves the proxy pool until ctx is done
func (a *App) RunAgent(ctx context.Context) error {
	db, err := a.database()
	if err != nil {
		return err
	}

	cfg := a.Config.Agent
	store := badger.NewProxyStorage(db, a.Logger, cfg.DBCommitEvery)
	manager := proxy.NewManager(cfg, proxy.NewHTTPChecker(cfg.CheckURL, cfg.CheckTimeout), store, a.Logger)

	refresher := proxy.NewSourceRefresher(manager, cfg.Sources, cfg.SourceSchedule, a.Logger)
	if err := refresher.Start(ctx); err != nil {
		return err
	}
	defer refresher.Stop()

	srv := server.New("agent", cfg.Host, cfg.Port, a.Logger, server.AgentRoutes(
		handlers.NewProxyHandler(manager, a.Logger),
		handlers.NewStatusHandler("agent", a.Logger),
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// RunCrawl runs one spider in this process until it completes or ctx is
// done, and returns its final counters.
func (a *App) RunCrawl(ctx context.Context, spiderName string, args map[string]string) (models.TaskProgress, error) {
	cfg := common.DeepCloneConfig(a.Config)
	if err := cfg.ApplyTaskArgs(args); err != nil {
		return models.TaskProgress{}, err
	}
	spider, err := a.Spiders.NewSpider(spiderName, args)
	if err != nil {
		return models.TaskProgress{}, err
	}

	snapshots, err := a.snapshots()
	if err != nil {
		return models.TaskProgress{}, err
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return models.TaskProgress{}, err
	}
	renderer, err := a.renderPool()
	if err != nil {
		return models.TaskProgress{}, err
	}

	runner, err := crawler.NewRunner(crawler.RunnerDeps{
		Config:    cfg,
		TaskID:    spiderName,
		Spider:    spider,
		Snapshots: snapshots,
		Redis:     client,
		Proxies:   a.proxySource(),
		Renderer:  renderer,
		Logger:    a.Logger,
	})
	if err != nil {
		return models.TaskProgress{}, err
	}

	err = runner.Run(ctx)
	progress := runner.Stats()
	a.Logger.Info().
		Str("spider", spiderName).
		Int64("responses", progress.Responses).
		Int64("items", progress.Items).
		Int64("errors", progress.Errors).
		Msg("Crawl finished")
	return progress, err
}
