// -----------------------------------------------------------------------
// Fetcher - runs the crawls the master marks as running
// -----------------------------------------------------------------------

package fetcher

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/crawler"
	"github.com/ternarybob/spindle/internal/services/downloader"
	"github.com/ternarybob/spindle/internal/services/extensions"
)

const defaultHeartbeatInterval = 5 * time.Second

// Master is the part of the master RPC surface a fetcher calls. Completed
// and failed crawls are reported through heartbeat progress; the master
// decides when the task is finished.
type Master interface {
	Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.HeartbeatReply, error)
}

// SpiderFactory resolves the spider named on a task
type SpiderFactory interface {
	NewSpider(name string, args map[string]string) (crawler.Spider, error)
}

// Deps are the collaborators of a fetcher. Snapshots, Redis, Proxies and
// Renderer are optional and handed to every runner.
type Deps struct {
	Config    *common.Config
	Master    Master
	Spiders   SpiderFactory
	Registry  *extensions.Registry
	Snapshots interfaces.SnapshotStorage
	Redis     *redis.Client
	Proxies   extensions.ProxySource
	Renderer  downloader.Renderer
	Logger    arbor.ILogger
}

type taskRun struct {
	task     *models.Task
	runner   *crawler.Runner
	cancel   context.CancelFunc
	stopping bool
}

// completion is a task whose runner ended on its own. Its final progress,
// marked idle or failed, is reported until the master stops listing the task
// as running.
type completion struct {
	progress models.TaskProgress
}

// Service keeps the local runners in line with the master's running tasks
type Service struct {
	deps     Deps
	id       string
	address  string
	interval time.Duration
	logger   arbor.ILogger

	mu        sync.Mutex
	runs      map[string]*taskRun
	completed map[string]*completion
	rejected  map[string]bool // tasks that could not be started
	wg        sync.WaitGroup
}

// NewService creates a fetcher
func NewService(deps Deps) (*Service, error) {
	if deps.Config == nil || deps.Master == nil || deps.Spiders == nil {
		return nil, errors.New("fetcher requires config, master and spiders")
	}
	logger := deps.Logger
	if logger == nil {
		logger = common.GetLogger()
	}

	id := deps.Config.Fetcher.ID
	if id == "" {
		id = common.NewFetcherID()
	}
	interval := deps.Config.Fetcher.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	address, _ := os.Hostname()

	return &Service{
		deps:      deps,
		id:        id,
		address:   address,
		interval:  interval,
		logger:    logger,
		runs:      make(map[string]*taskRun),
		completed: make(map[string]*completion),
		rejected:  make(map[string]bool),
	}, nil
}

// ID returns the fetcher identity sent with every heartbeat
func (s *Service) ID() string {
	return s.id
}

// Running returns the IDs of the tasks with a live runner
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run sends heartbeats until ctx is done, then stops every runner and waits
// for them to drain.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().
		Str("fetcher_id", s.id).
		Str("master_url", s.deps.Config.Fetcher.MasterURL).
		Str("interval", s.interval.String()).
		Msg("Fetcher started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.logger.Info().Str("fetcher_id", s.id).Msg("Fetcher stopped")
			return nil
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat reports progress and reconciles runners with the reply
func (s *Service) beat(ctx context.Context) {
	hb := models.Heartbeat{
		FetcherID: s.id,
		Address:   s.address,
		Progress:  s.progress(),
	}

	reply, err := s.deps.Master.Heartbeat(ctx, hb)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("fetcher_id", s.id).Msg("Heartbeat failed")
		}
		return
	}
	s.reconcile(ctx, reply.RunningTasks)
}

func (s *Service) progress() []models.TaskProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	progress := make([]models.TaskProgress, 0, len(s.runs)+len(s.completed))
	for _, run := range s.runs {
		progress = append(progress, run.runner.Stats())
	}
	for _, c := range s.completed {
		progress = append(progress, c.progress)
	}
	return progress
}

func (s *Service) reconcile(ctx context.Context, running []*models.Task) {
	wanted := make(map[string]*models.Task, len(running))
	for _, task := range running {
		wanted[task.ID] = task
	}

	s.mu.Lock()
	for id, run := range s.runs {
		if _, ok := wanted[id]; !ok && !run.stopping {
			run.stopping = true
			s.logger.Info().Str("task_id", id).Msg("Task no longer running, stopping crawl")
			run.cancel()
		}
	}
	for id := range s.completed {
		if _, ok := wanted[id]; !ok {
			delete(s.completed, id)
		}
	}
	for id := range s.rejected {
		if _, ok := wanted[id]; !ok {
			delete(s.rejected, id)
		}
	}

	var start []*models.Task
	for id, task := range wanted {
		if _, ok := s.runs[id]; ok || s.rejected[id] {
			continue
		}
		if _, ok := s.completed[id]; ok {
			continue
		}
		start = append(start, task)
	}
	s.mu.Unlock()

	for _, task := range start {
		s.start(ctx, task)
	}
}

func (s *Service) start(ctx context.Context, task *models.Task) {
	runner, err := s.newRunner(task)
	if err != nil {
		s.logger.Error().Err(err).
			Str("task_id", task.ID).
			Str("spider", task.Spider).
			Msg("Failed to start crawl")
		s.mu.Lock()
		s.rejected[task.ID] = true
		s.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &taskRun{task: task, runner: runner, cancel: cancel}

	s.mu.Lock()
	s.runs[task.ID] = run
	s.mu.Unlock()

	s.logger.Info().
		Str("task_id", task.ID).
		Str("spider", task.Spider).
		Msg("Crawl started")

	s.wg.Add(1)
	common.SafeGo(s.logger, "fetcher-run-"+task.ID, func() {
		defer s.wg.Done()
		defer cancel()
		err := runner.Run(runCtx)
		s.runFinished(run, runCtx.Err() != nil, err)
	})
}

func (s *Service) newRunner(task *models.Task) (*crawler.Runner, error) {
	cfg := common.DeepCloneConfig(s.deps.Config)
	if err := cfg.ApplyTaskArgs(task.Args); err != nil {
		return nil, err
	}

	spider, err := s.deps.Spiders.NewSpider(task.Spider, task.Args)
	if err != nil {
		return nil, err
	}

	return crawler.NewRunner(crawler.RunnerDeps{
		Config:    cfg,
		TaskID:    task.ID,
		Spider:    spider,
		Registry:  s.deps.Registry,
		Snapshots: s.deps.Snapshots,
		Redis:     s.deps.Redis,
		Proxies:   s.deps.Proxies,
		Renderer:  s.deps.Renderer,
		Logger:    s.logger,
	})
}

func (s *Service) runFinished(run *taskRun, cancelled bool, err error) {
	id := run.task.ID

	stopped := run.stopping || cancelled
	progress := run.runner.Stats()
	if err != nil {
		progress.Error = err.Error()
	} else {
		progress.Idle = true
	}

	s.mu.Lock()
	delete(s.runs, id)
	if !stopped {
		s.completed[id] = &completion{progress: progress}
	}
	s.mu.Unlock()

	switch {
	case stopped:
		s.logger.Info().Str("task_id", id).Msg("Crawl stopped")
	case err != nil:
		s.logger.Error().Err(err).Str("task_id", id).Msg("Crawl ended with error")
	default:
		s.logger.Info().Str("task_id", id).Msg("Crawl completed, reporting idle")
	}
}

// stopAll marks every runner as stopping and cancels it
func (s *Service) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		run.stopping = true
		run.cancel()
	}
}
