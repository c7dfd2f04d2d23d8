// -----------------------------------------------------------------------
// RenderPool - chromedp browser pool behind the render operation
// -----------------------------------------------------------------------

package downloader

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/models"
)

type browser struct {
	index           int
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
}

// RenderPool holds a fixed number of browser instances. Render borrows one
// for the duration of a request, so at most MaxInstances pages render at once
// regardless of how many crawl workers are running.
type RenderPool struct {
	config    common.RenderConfig
	available chan *browser
	logger    arbor.ILogger

	mu       sync.Mutex
	browsers []*browser
	closed   bool
}

// NewRenderPool starts config.MaxInstances browsers. The pool is usable as
// long as at least one browser started.
func NewRenderPool(config common.RenderConfig, logger arbor.ILogger) (*RenderPool, error) {
	if config.MaxInstances <= 0 {
		return nil, fmt.Errorf("max_instances must be greater than 0, got: %d", config.MaxInstances)
	}
	if config.MaxInstances > 20 {
		logger.Warn().
			Int("max_instances", config.MaxInstances).
			Msg("Large browser pool size detected - this may consume significant memory")
	}

	p := &RenderPool{
		config:    config,
		available: make(chan *browser, config.MaxInstances),
		logger:    logger,
	}

	var lastErr error
	for i := 0; i < config.MaxInstances; i++ {
		b, err := p.startBrowser(i)
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to create browser instance")
			continue
		}
		p.browsers = append(p.browsers, b)
		p.available <- b
	}

	if len(p.browsers) == 0 {
		return nil, fmt.Errorf("failed to create any browser instances, last error: %w", lastErr)
	}

	logger.Info().
		Int("browsers_created", len(p.browsers)).
		Int("requested", config.MaxInstances).
		Bool("headless", config.Headless).
		Msg("Render pool initialized")

	return p, nil
}

func (p *RenderPool) startBrowser(index int) (*browser, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if p.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(p.config.UserAgent))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser instance failed startup test: %w", err)
	}

	return &browser{
		index:           index,
		ctx:             browserCtx,
		cancel:          browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

// Render loads req in a fresh tab of a pooled browser and returns the DOM
// after the configured wait time
func (p *RenderPool) Render(ctx context.Context, req *models.Request) (*models.Response, error) {
	var b *browser
	select {
	case b = <-p.available:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.available <- b }()

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()

	// The tab is not derived from ctx, tie their lifetimes together
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var status atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	var html, finalURL string
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(req.URL),
	}
	if p.config.WaitTime > 0 {
		actions = append(actions, chromedp.Sleep(p.config.WaitTime))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.ClientError{URL: req.URL, Err: fmt.Errorf("render failed: %w", err)}
	}

	code := int(status.Load())
	if code == 0 {
		code = http.StatusOK
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	headers := make(http.Header)
	headers.Set("Content-Type", "text/html; charset=utf-8")

	p.logger.Debug().
		Str("url", req.URL).
		Int("status", code).
		Int("browser_index", b.index).
		Msg("Rendered")

	return models.NewResponse(req, finalURL, code, headers, []byte(html)), nil
}

// Size returns the number of running browsers
func (p *RenderPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.browsers)
}

// Close shuts every browser down
func (p *RenderPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, b := range p.browsers {
		b.cancel()
		b.allocatorCancel()
	}
	p.logger.Info().Int("browsers_shutdown", len(p.browsers)).Msg("Render pool shut down")
	return nil
}
