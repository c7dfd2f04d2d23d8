package extensions

import (
	"context"

	"github.com/ternarybob/spindle/internal/models"
)

// DefaultHeaders adds crawler.default_headers to requests that lack them
type DefaultHeaders struct {
	headers map[string]string
}

// NewDefaultHeaders is the default_headers factory
func NewDefaultHeaders(deps Deps) (any, error) {
	if len(deps.Config.Crawler.DefaultHeaders) == 0 {
		return nil, models.ErrNotEnabled
	}
	return &DefaultHeaders{headers: deps.Config.Crawler.DefaultHeaders}, nil
}

func (h *DefaultHeaders) HandleRequest(ctx context.Context, req *models.Request) (*Result, error) {
	for key, value := range h.headers {
		if req.Headers.Get(key) == "" {
			req.Headers.Set(key, value)
		}
	}
	return nil, nil
}

// UserAgent sets crawler.user_agent on requests without one
type UserAgent struct {
	userAgent string
}

// NewUserAgent is the user_agent factory
func NewUserAgent(deps Deps) (any, error) {
	if deps.Config.Crawler.UserAgent == "" {
		return nil, models.ErrNotEnabled
	}
	return &UserAgent{userAgent: deps.Config.Crawler.UserAgent}, nil
}

func (u *UserAgent) HandleRequest(ctx context.Context, req *models.Request) (*Result, error) {
	if req.Headers.Get("User-Agent") == "" {
		req.Headers.Set("User-Agent", u.userAgent)
	}
	return nil, nil
}
