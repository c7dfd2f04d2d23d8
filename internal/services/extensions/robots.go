package extensions

import (
	"context"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
)

type robotsEntry struct {
	once sync.Once
	data *robotstxt.RobotsData
}

// RobotsTxt drops requests disallowed by the target host's robots.txt. Each
// host's file is fetched once; a host whose file cannot be fetched allows
// everything.
type RobotsTxt struct {
	fetch     FetchFunc
	userAgent string
	logger    arbor.ILogger

	mu    sync.Mutex
	hosts map[string]*robotsEntry
}

// NewRobotsTxt is the robots_txt factory
func NewRobotsTxt(deps Deps) (any, error) {
	if !deps.Config.Crawler.FollowRobotsTxt || deps.Fetch == nil {
		return nil, models.ErrNotEnabled
	}
	return &RobotsTxt{
		fetch:     deps.Fetch,
		userAgent: deps.Config.Crawler.UserAgent,
		logger:    deps.Logger,
		hosts:     make(map[string]*robotsEntry),
	}, nil
}

func (r *RobotsTxt) HandleRequest(ctx context.Context, req *models.Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || u.Path == "/robots.txt" {
		return nil, nil
	}

	data := r.rules(ctx, u)
	if data == nil {
		return nil, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	userAgent := req.Headers.Get("User-Agent")
	if userAgent == "" {
		userAgent = r.userAgent
	}
	if !data.TestAgent(path, userAgent) {
		return nil, models.IgnoreRequest("forbidden by robots.txt")
	}
	return nil, nil
}

func (r *RobotsTxt) rules(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host

	r.mu.Lock()
	entry, ok := r.hosts[key]
	if !ok {
		entry = &robotsEntry{}
		r.hosts[key] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		robotsReq := models.NewRequest(key + "/robots.txt")
		if r.userAgent != "" {
			robotsReq.Headers.Set("User-Agent", r.userAgent)
		}

		resp, err := r.fetch(ctx, robotsReq)
		if err != nil {
			r.logger.Debug().Err(err).Str("host", u.Host).Msg("robots.txt unavailable, allowing all")
			return
		}
		data, err := robotstxt.FromStatusAndBytes(resp.Status, resp.Body)
		if err != nil {
			r.logger.Debug().Err(err).Str("host", u.Host).Msg("robots.txt unparseable, allowing all")
			return
		}
		entry.data = data
	})

	return entry.data
}
