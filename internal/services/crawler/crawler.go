// -----------------------------------------------------------------------
// Crawler - worker pool, supervisor and shutdown of a single crawl run
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/dupefilter"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/events"
	"github.com/ternarybob/spindle/internal/services/extensions"
)

const (
	defaultSuperviseInterval = 5 * time.Second
	shutdownTimeout          = 30 * time.Second
	popRetryDelay            = time.Second
)

// State is the lifecycle of a crawl run. A crawler is not restartable.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrCrawlerStopped is returned by Run on a crawler that was stopped
	ErrCrawlerStopped = errors.New("crawler already stopped")

	// ErrCrawlerRunning is returned by a second call to Run
	ErrCrawlerRunning = errors.New("crawler already running")

	// ErrNoAliveWorker is the run error when every worker terminated
	ErrNoAliveWorker = errors.New("no alive worker")
)

// Options are the collaborators of a Crawler. Spider, Queue, Fetch and
// Config are required.
type Options struct {
	Config     *common.CrawlerConfig
	TaskID     string
	Spider     Spider
	Queue      RequestQueue
	DupeFilter dupefilter.DupeFilter
	Extensions *extensions.Manager
	Fetch      extensions.FetchFunc
	Events     interfaces.EventService
	Stats      *events.StatsCollector
	Logger     arbor.ILogger
}

type worker struct {
	id       int
	finished atomic.Bool
	reported bool // supervisor only

	mu      sync.Mutex
	current *models.Request
	err     error
}

func (w *worker) setCurrent(req *models.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = req
}

func (w *worker) take() *models.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	req := w.current
	w.current = nil
	return req
}

func (w *worker) busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil
}

func (w *worker) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *worker) getErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Crawler schedules requests into a queue and runs a fixed pool of workers
// that download them and feed responses to the spider.
type Crawler struct {
	config     *common.CrawlerConfig
	taskID     string
	spider     Spider
	queue      RequestQueue
	dupeFilter dupefilter.DupeFilter
	extensions *extensions.Manager
	fetch      extensions.FetchFunc
	events     interfaces.EventService
	stats      *events.StatsCollector
	pipeline   *ItemPipeline
	logger     arbor.ILogger

	state     atomic.Int32
	mu        sync.Mutex // serializes Run start against shutdown
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workers   []*worker
	startDone atomic.Bool
	stopOnce  sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// New creates a crawler in the init state
func New(opts Options) (*Crawler, error) {
	if opts.Config == nil {
		return nil, errors.New("crawler config is required")
	}
	if opts.Spider == nil {
		return nil, errors.New("spider is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("request queue is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("fetch operation is required")
	}
	if opts.Logger == nil {
		opts.Logger = common.GetLogger()
	}
	if opts.DupeFilter == nil {
		opts.DupeFilter = dupefilter.NoFilter{}
	}
	if opts.Events == nil {
		opts.Events = events.NewService(opts.Logger)
	}
	if opts.Extensions == nil {
		mgr, err := extensions.NewManager(nil, extensions.NewRegistry(), extensions.Deps{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Extensions = mgr
	}

	clients := opts.Config.DownloaderClients
	if clients < 1 {
		clients = 1
	}

	c := &Crawler{
		config:     opts.Config,
		taskID:     opts.TaskID,
		spider:     opts.Spider,
		queue:      opts.Queue,
		dupeFilter: opts.DupeFilter,
		extensions: opts.Extensions,
		fetch:      opts.Fetch,
		events:     opts.Events,
		stats:      opts.Stats,
		logger:     opts.Logger,
		done:       make(chan struct{}),
	}
	c.pipeline = NewItemPipeline(opts.Extensions.ItemHandlers(), opts.Events, opts.TaskID, opts.Logger)
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	for i := 0; i < clients; i++ {
		c.workers = append(c.workers, &worker{id: i})
	}
	return c, nil
}

// State returns the current lifecycle state
func (c *Crawler) State() State {
	return State(c.state.Load())
}

// Done is closed once the crawler reached the stopped state
func (c *Crawler) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the run, nil for a normal finish
func (c *Crawler) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Queue returns the request queue
func (c *Crawler) Queue() RequestQueue {
	return c.queue
}

func (c *Crawler) fail(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Run opens the collaborators, starts the workers, the start requests
// producer and the supervisor, and blocks until the crawl stopped. Cancelling
// ctx stops the crawl the same way Stop does.
func (c *Crawler) Run(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		return err
	}

	stopOnCancel := context.AfterFunc(ctx, c.Stop)
	defer stopOnCancel()

	<-c.done
	return c.Err()
}

func (c *Crawler) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) {
		if c.State() == StateRunning {
			return ErrCrawlerRunning
		}
		return ErrCrawlerStopped
	}

	if err := c.open(ctx); err != nil {
		c.state.Store(int32(StateInit))
		return err
	}

	c.logger.Info().
		Str("task_id", c.taskID).
		Str("spider", c.spider.Name()).
		Int("workers", len(c.workers)).
		Msg("Crawler started")
	c.publish(ctx, interfaces.EventCrawlerStarted, "", "")

	for _, w := range c.workers {
		c.wg.Add(1)
		go c.runWorker(c.runCtx, w)
	}
	c.wg.Add(2)
	go c.runStartRequests(c.runCtx)
	go c.supervise(c.runCtx)
	return nil
}

func (c *Crawler) open(ctx context.Context) error {
	if err := c.dupeFilter.Open(ctx); err != nil {
		return fmt.Errorf("failed to open dupe filter: %w", err)
	}
	if err := c.queue.Open(ctx); err != nil {
		return fmt.Errorf("failed to open request queue: %w", err)
	}
	if err := c.extensions.Open(ctx); err != nil {
		return fmt.Errorf("failed to open extensions: %w", err)
	}
	return nil
}

// Stop shuts the crawl down and waits until it stopped. It is safe to call
// more than once and from any goroutine except a worker.
func (c *Crawler) Stop() {
	c.stopOnce.Do(c.shutdown)
	<-c.done
}

// stopAsync is used by goroutines that Stop waits for
func (c *Crawler) stopAsync() {
	common.SafeGo(c.logger, "crawler-stop", c.Stop)
}

func (c *Crawler) shutdown() {
	c.mu.Lock()
	prev := c.State()
	c.state.Store(int32(StateShuttingDown))
	c.mu.Unlock()

	if prev == StateInit {
		c.cancel()
		c.state.Store(int32(StateStopped))
		close(c.done)
		return
	}

	c.logger.Info().Str("task_id", c.taskID).Msg("Crawler shutting down")

	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// In-flight requests go back to the queue without passing the dupe filter
	rescheduled := 0
	for _, w := range c.workers {
		req := w.take()
		if req == nil {
			continue
		}
		if err := c.queue.Requeue(ctx, req); err != nil {
			c.logger.Error().
				Err(err).
				Str("url", req.URL).
				Msg("Failed to reschedule in-flight request")
			continue
		}
		rescheduled++
	}

	if err := c.events.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventCrawlerShutdown,
		Payload: map[string]interface{}{
			"task_id":     c.taskID,
			"rescheduled": rescheduled,
		},
	}); err != nil {
		c.logger.Warn().Err(err).Msg("Crawler shutdown handler failed")
	}

	if err := c.dupeFilter.Close(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close dupe filter")
	}
	if err := c.extensions.Close(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close extensions")
	}
	if err := c.queue.Close(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close request queue")
	}

	c.state.Store(int32(StateStopped))
	c.logger.Info().
		Str("task_id", c.taskID).
		Int("rescheduled", rescheduled).
		Msg("Crawler stopped")
	close(c.done)
}

// Schedule passes req through the dupe filter and pushes it to the queue
func (c *Crawler) Schedule(ctx context.Context, req *models.Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	if c.taskID != "" {
		if _, ok := req.Meta[models.MetaTaskID]; !ok {
			req.SetMeta(models.MetaTaskID, c.taskID)
		}
	}

	if c.dupeFilter.IsDuplicated(req) {
		c.logger.Debug().Str("url", req.URL).Msg("Filtered duplicate request")
		return nil
	}

	c.publish(ctx, interfaces.EventRequestScheduled, req.URL, "")
	if err := c.queue.Push(ctx, req); err != nil {
		c.logger.Warn().
			Err(err).
			Str("url", req.URL).
			Msg("Failed to schedule request")
		return err
	}
	return nil
}

func (c *Crawler) runStartRequests(ctx context.Context) {
	defer c.wg.Done()
	defer common.RecoverPanic(c.logger, "crawler-start-requests", func(v any) {
		c.fail(fmt.Errorf("start requests panic: %v", v))
		c.stopAsync()
	})

	var sched cron.Schedule
	if cs, ok := c.spider.(CronSpider); ok {
		sched = cs.Schedule()
	}

	for {
		started := time.Now()
		if err := c.generateStartRequests(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrNotImplemented) {
				c.logger.Error().Err(err).Str("spider", c.spider.Name()).Msg("Spider is missing start requests")
				c.fail(err)
				c.stopAsync()
				return
			}
			if errors.Is(err, models.ErrStopCrawler) {
				c.logger.Info().Err(err).Msg("Spider requested stop")
				c.stopAsync()
				return
			}
			c.logger.Warn().Err(err).Str("spider", c.spider.Name()).Msg("Start requests failed")
		}

		if sched == nil {
			c.startDone.Store(true)
			if c.complete(ctx) {
				c.stopAsync()
			}
			return
		}

		timer := time.NewTimer(time.Until(sched.Next(started)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Crawler) generateStartRequests(ctx context.Context) error {
	reqs, err := c.spider.StartRequests(ctx)
	if err != nil {
		return fmt.Errorf("start requests of %s: %w", c.spider.Name(), err)
	}
	reqs, err = c.extensions.StartRequests(ctx, reqs)
	if err != nil {
		return err
	}

	scheduled := 0
	for _, req := range reqs {
		if req == nil {
			continue
		}
		if err := c.Schedule(ctx, req); err == nil {
			scheduled++
		}
	}
	c.logger.Debug().Int("requests", scheduled).Str("spider", c.spider.Name()).Msg("Start requests scheduled")
	return nil
}

func (c *Crawler) runWorker(ctx context.Context, w *worker) {
	defer c.wg.Done()
	defer w.finished.Store(true)
	defer common.RecoverPanic(c.logger, fmt.Sprintf("crawler-worker-%d", w.id), func(v any) {
		w.setErr(fmt.Errorf("worker panic: %v", v))
		if req := w.take(); req != nil {
			c.logger.Error().Str("url", req.URL).Msg("Request dropped by panicking worker")
			c.queue.Done(req)
		}
	})

	for {
		req, err := c.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			c.logger.Warn().Err(err).Int("worker", w.id).Msg("Failed to pop request")
			select {
			case <-ctx.Done():
				return
			case <-time.After(popRetryDelay):
			}
			continue
		}

		w.setCurrent(req)
		err = c.process(ctx, req)
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// left in place for shutdown to reschedule
			return
		}
		w.setCurrent(nil)
		c.queue.Done(req)

		switch {
		case errors.Is(err, models.ErrStopCrawler):
			c.logger.Info().Err(err).Str("url", req.URL).Msg("Spider requested stop")
			c.stopAsync()
		case errors.Is(err, models.ErrNotImplemented):
			c.logger.Error().Err(err).Str("spider", c.spider.Name()).Msg("Spider is missing a callback")
			c.fail(err)
			c.stopAsync()
		case c.complete(ctx):
			c.stopAsync()
		}
	}
}

func (c *Crawler) complete(ctx context.Context) bool {
	if !c.startDone.Load() || !c.queue.Idle(ctx) {
		return false
	}
	for _, w := range c.workers {
		if w.busy() {
			return false
		}
	}
	return true
}

func (c *Crawler) supervise(ctx context.Context) {
	defer c.wg.Done()

	interval := c.config.SuperviseInterval
	if interval <= 0 {
		interval = defaultSuperviseInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		alive := 0
		for _, w := range c.workers {
			if !w.finished.Load() {
				alive++
				continue
			}
			if !w.reported {
				w.reported = true
				event := c.logger.Warn().Int("worker", w.id)
				if err := w.getErr(); err != nil {
					event = event.Err(err)
				}
				event.Msg("Worker finished")
			}
		}

		if alive == 0 {
			c.logger.Error().Str("task_id", c.taskID).Msg("No alive worker")
			c.fail(ErrNoAliveWorker)
			c.stopAsync()
			return
		}
		if c.complete(ctx) {
			c.logger.Info().Str("task_id", c.taskID).Msg("Crawl finished")
			c.stopAsync()
			return
		}

		c.logger.Debug().
			Str("task_id", c.taskID).
			Int("queued", c.queue.Len(ctx)).
			Int("waiting", c.queue.Waiting()).
			Int("alive", alive).
			Msg("Crawler supervisor tick")
	}
}

// process downloads req and hands the outcome to the spider. It returns
// cancellation and the errors that end the crawl; everything else is
// handled here.
func (c *Crawler) process(ctx context.Context, req *models.Request) error {
	res, err := c.extensions.Download(ctx, req, c.fetch)
	if err != nil {
		return c.handleError(ctx, req, err)
	}
	if res.Request != nil {
		_ = c.Schedule(ctx, res.Request)
		return nil
	}

	resp := res.Response
	resp.Request = req
	c.publish(ctx, interfaces.EventResponseReceived, resp.URL, "")
	return c.parse(ctx, resp)
}

func isFatal(ctx context.Context, err error) bool {
	return errors.Is(err, models.ErrStopCrawler) ||
		errors.Is(err, models.ErrNotImplemented) ||
		(ctx.Err() != nil && errors.Is(err, context.Canceled))
}

func (c *Crawler) handleError(ctx context.Context, req *models.Request, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, models.ErrIgnoreRequest) {
		c.logger.Debug().Err(err).Str("url", req.URL).Msg("Request ignored")
		c.publish(ctx, interfaces.EventRequestIgnored, req.URL, err.Error())
		return nil
	}

	var clientErr *models.ClientError
	var httpErr *models.HTTPError
	if errors.As(err, &clientErr) || errors.As(err, &httpErr) {
		c.logger.Info().Err(err).Str("url", req.URL).Msg("Request failed")
	} else {
		c.logger.Warn().
			Err(err).
			Str("url", req.URL).
			Str("stack", common.GetStackTrace()).
			Msg("Unexpected error while processing request")
	}
	if c.stats != nil {
		c.stats.RecordError()
	}

	return c.errback(ctx, req, err)
}

func (c *Crawler) errback(ctx context.Context, req *models.Request, cause error) error {
	var fn ErrbackFunc
	if req.Errback != "" {
		if resolver, ok := c.spider.(CallbackResolver); ok {
			fn, _ = resolver.Errback(req.Errback)
		}
		if fn == nil {
			c.logger.Warn().Str("errback", req.Errback).Str("url", req.URL).Msg("Unknown errback")
			return nil
		}
	} else if h, ok := c.spider.(ErrbackHandler); ok {
		fn = h.HandleError
	}
	if fn == nil {
		return nil
	}

	results, err := fn(ctx, req, cause)
	if err != nil {
		if isFatal(ctx, err) {
			return err
		}
		c.logger.Warn().Err(err).Str("url", req.URL).Msg("Errback failed")
		return nil
	}
	return c.handleResults(ctx, nil, results)
}

func (c *Crawler) parse(ctx context.Context, resp *models.Response) error {
	req := resp.Request
	parse := ParseFunc(c.spider.Parse)
	if req.Callback != "" {
		var fn ParseFunc
		if resolver, ok := c.spider.(CallbackResolver); ok {
			fn, _ = resolver.Callback(req.Callback)
		}
		if fn == nil {
			return c.handleError(ctx, req, fmt.Errorf("spider %s has no callback %q", c.spider.Name(), req.Callback))
		}
		parse = fn
	}

	if err := c.extensions.SpiderInput(ctx, resp); err != nil {
		return c.spiderError(ctx, resp, err)
	}

	results, err := parse(ctx, resp)
	if err != nil {
		return c.spiderError(ctx, resp, err)
	}

	results, err = c.extensions.SpiderOutput(ctx, resp, results)
	if err != nil {
		if isFatal(ctx, err) {
			return err
		}
		c.logger.Warn().Err(err).Str("url", resp.URL).Msg("Spider output handler failed")
		return nil
	}
	return c.handleResults(ctx, resp, results)
}

func (c *Crawler) spiderError(ctx context.Context, resp *models.Response, err error) error {
	if isFatal(ctx, err) {
		return err
	}

	results, herr := c.extensions.SpiderError(ctx, resp, err)
	if herr == nil {
		return c.handleResults(ctx, resp, results)
	}
	if isFatal(ctx, herr) {
		return herr
	}

	c.logger.Warn().
		Err(herr).
		Str("url", resp.URL).
		Str("stack", common.GetStackTrace()).
		Msg("Spider failed to parse response")
	if c.stats != nil {
		c.stats.RecordError()
	}
	return nil
}

func (c *Crawler) handleResults(ctx context.Context, resp *models.Response, results []any) error {
	for _, result := range results {
		switch v := result.(type) {
		case nil:
		case *models.Request:
			_ = c.Schedule(ctx, v)
		default:
			if item, ok := models.AsItem(v); ok {
				c.pipeline.Process(ctx, resp, item)
				continue
			}
			c.logger.Warn().
				Str("type", fmt.Sprintf("%T", result)).
				Msg("Ignored unsupported parse result")
		}
	}
	return nil
}

func (c *Crawler) publish(ctx context.Context, eventType interfaces.EventType, url, reason string) {
	payload := map[string]interface{}{
		"task_id": c.taskID,
	}
	if url != "" {
		payload["url"] = url
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := c.events.PublishSync(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		c.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Event handler failed")
	}
}
