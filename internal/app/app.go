// -----------------------------------------------------------------------
// App - shared resources and role runners (master, fetcher, agent, crawl)
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/httpclient"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/services/downloader"
	"github.com/ternarybob/spindle/internal/services/events"
	"github.com/ternarybob/spindle/internal/services/extensions"
	"github.com/ternarybob/spindle/internal/spiders"
	"github.com/ternarybob/spindle/internal/storage/badger"
)

// App holds the configuration and the resources a role opens. Resources are
// opened on first use so each role only pays for what it needs.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Spiders *spiders.Registry
	Events  *events.Service

	mu       sync.Mutex
	db       *badger.BadgerDB
	redis    *redis.Client
	renderer *downloader.RenderPool
}

// New creates an App for cfg
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = common.GetLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Spiders: spiders.DefaultRegistry(logger),
		Events:  events.NewService(logger),
	}, nil
}

// database opens the badger database on first use
func (a *App) database() (*badger.BadgerDB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return a.db, nil
	}

	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.db = db
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return db, nil
}

// snapshots returns the snapshot store when crawler.snapshot is enabled
func (a *App) snapshots() (interfaces.SnapshotStorage, error) {
	if !a.Config.Crawler.Snapshot {
		return nil, nil
	}
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	return badger.NewSnapshotStorage(db, a.Logger), nil
}

// redisClient connects to redis when redis.addr is set. A nil client means
// the memory backends are used.
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redis != nil || a.Config.Redis.Addr == "" {
		return a.redis, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.Config.Redis.Addr, err)
	}
	a.redis = client
	a.Logger.Info().Str("addr", a.Config.Redis.Addr).Msg("Connected to redis")
	return client, nil
}

// renderPool starts the browser pool when render.enabled is set
func (a *App) renderPool() (downloader.Renderer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.Config.Render.Enabled {
		return nil, nil
	}
	if a.renderer == nil {
		pool, err := downloader.NewRenderPool(a.Config.Render, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start render pool: %w", err)
		}
		a.renderer = pool
	}
	return a.renderer, nil
}

// proxySource returns the agent client when crawler.agent_url is set
func (a *App) proxySource() extensions.ProxySource {
	if a.Config.Crawler.AgentURL == "" {
		return nil
	}
	return httpclient.NewAgentClient(a.Config.Crawler.AgentURL, httpclient.WithLogger(a.Logger))
}

// Close releases every opened resource
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.renderer != nil {
		if err := a.renderer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close render pool: %w", err))
		}
		a.renderer = nil
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		a.redis = nil
	}

	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
		a.db = nil
	}

	return errors.Join(errs...)
}
