package extensions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
)

// Proxy assigns a proxy to requests that have none. With a static
// crawler.proxy every request uses it; otherwise addresses are pulled from a
// proxy agent and handed out round-robin.
type Proxy struct {
	static  string
	source  ProxySource
	count   int
	refresh time.Duration
	logger  arbor.ILogger

	mu        sync.Mutex
	proxies   []string
	next      int
	fetchedAt time.Time
}

// NewProxy is the proxy factory
func NewProxy(deps Deps) (any, error) {
	cfg := deps.Config.Crawler
	if cfg.Proxy == "" && (cfg.AgentURL == "" || deps.Proxies == nil) {
		return nil, models.ErrNotEnabled
	}
	count := cfg.ProxyCount
	if count < 1 {
		count = 1
	}
	return &Proxy{
		static:  cfg.Proxy,
		source:  deps.Proxies,
		count:   count,
		refresh: cfg.ProxyRefresh,
		logger:  deps.Logger,
	}, nil
}

func (p *Proxy) HandleRequest(ctx context.Context, req *models.Request) (*Result, error) {
	if req.Proxy != "" {
		return nil, nil
	}
	if p.static != "" {
		req.Proxy = p.static
		return nil, nil
	}
	req.Proxy = p.pick(ctx)
	return nil, nil
}

// HandleError takes a proxy out of rotation after a transport failure. The
// error itself is left to the retry stage.
func (p *Proxy) HandleError(ctx context.Context, req *models.Request, err error) (*Result, error) {
	var clientErr *models.ClientError
	if p.static != "" || req.Proxy == "" || !errors.As(err, &clientErr) {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, addr := range p.proxies {
		if addr == req.Proxy {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			break
		}
	}
	return nil, nil
}

func (p *Proxy) pick(ctx context.Context) string {
	p.mu.Lock()
	stale := len(p.proxies) == 0 || (p.refresh > 0 && time.Since(p.fetchedAt) >= p.refresh)
	p.mu.Unlock()

	if stale {
		p.reload(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return ""
	}
	addr := p.proxies[p.next%len(p.proxies)]
	p.next++
	return addr
}

func (p *Proxy) reload(ctx context.Context) {
	proxies, err := p.source.GetProxyList(ctx, p.count)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchedAt = time.Now()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to refresh proxy list, keeping previous list")
		return
	}
	if len(proxies) > 0 {
		p.proxies = proxies
		p.next = 0
	}
	p.logger.Debug().Int("proxies", len(proxies)).Msg("Proxy list refreshed")
}
