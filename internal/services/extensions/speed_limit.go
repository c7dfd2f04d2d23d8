package extensions

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ternarybob/spindle/internal/models"
)

// SpeedLimit throttles requests per host with a token bucket
type SpeedLimit struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSpeedLimit is the speed_limit factory
func NewSpeedLimit(deps Deps) (any, error) {
	cfg := deps.Config.Crawler
	if cfg.SpeedLimit <= 0 {
		return nil, models.ErrNotEnabled
	}
	burst := cfg.SpeedLimitBurst
	if burst < 1 {
		burst = 1
	}
	return &SpeedLimit{
		limit:    rate.Limit(cfg.SpeedLimit),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func (s *SpeedLimit) limiter(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[host] = l
	}
	return l
}

// HandleRequest blocks until the host's bucket allows the request
func (s *SpeedLimit) HandleRequest(ctx context.Context, req *models.Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, nil
	}
	if err := s.limiter(u.Host).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return nil, nil
}
