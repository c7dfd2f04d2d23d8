// Package extensions holds the request, response and spider middleware stages
// that wrap the download of every request.
//
// A stage is any value produced by a registered Factory. It takes part in the
// chains for each capability interface it implements; the Manager checks the
// interfaces once when it is built.
package extensions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

// Result replaces the normal outcome of a chain. Exactly one field is set:
// Request reschedules a new request, Response short-circuits the download.
type Result struct {
	Request  *models.Request
	Response *models.Response
}

// RequestHandler runs before the download, in registration order. A nil
// result continues the chain.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *models.Request) (*Result, error)
}

// ResponseHandler runs after a successful download, in reverse order. A nil
// result keeps the response.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, req *models.Request, resp *models.Response) (*Result, error)
}

// ErrorHandler runs after a failed download, in reverse order. Returning
// (nil, nil) keeps the current error, returning an error replaces it, and a
// result recovers from it.
type ErrorHandler interface {
	HandleError(ctx context.Context, req *models.Request, err error) (*Result, error)
}

// SpiderInputHandler runs before the spider parses a response
type SpiderInputHandler interface {
	HandleSpiderInput(ctx context.Context, resp *models.Response) error
}

// SpiderOutputHandler filters or rewrites parse results, in reverse order
type SpiderOutputHandler interface {
	HandleSpiderOutput(ctx context.Context, resp *models.Response, results []any) ([]any, error)
}

// SpiderErrorHandler may turn a parse failure into results. Returning nil
// results passes the error on.
type SpiderErrorHandler interface {
	HandleSpiderError(ctx context.Context, resp *models.Response, err error) ([]any, error)
}

// StartRequestsHandler filters start requests before they are scheduled
type StartRequestsHandler interface {
	HandleStartRequests(ctx context.Context, reqs []*models.Request) ([]*models.Request, error)
}

// ItemHandler processes a scraped item. models.ErrIgnoreItem drops it.
type ItemHandler interface {
	HandleItem(ctx context.Context, item models.Item) (models.Item, error)
}

// Opener is called once before the crawl starts
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is called once after the crawl stopped, in reverse order
type Closer interface {
	Close(ctx context.Context) error
}

// FetchFunc is the opaque download operation
type FetchFunc func(ctx context.Context, req *models.Request) (*models.Response, error)

// ProxySource supplies rotating proxy addresses, usually a proxy agent
type ProxySource interface {
	GetProxyList(ctx context.Context, count int) ([]string, error)
}

// Deps are the collaborators handed to every stage factory
type Deps struct {
	Config  *common.Config
	TaskID  string
	Events  interfaces.EventService
	Fetch   FetchFunc   // direct download, bypasses the chains
	Proxies ProxySource // optional
	Logger  arbor.ILogger
}

// Factory builds a stage. Returning models.ErrNotEnabled skips the stage.
type Factory func(deps Deps) (any, error)

// Registry maps stage names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in stage
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("default_headers", NewDefaultHeaders)
	r.Register("user_agent", NewUserAgent)
	r.Register("proxy", NewProxy)
	r.Register("speed_limit", NewSpeedLimit)
	r.Register("retry", NewRetry)
	r.Register("robots_txt", NewRobotsTxt)
	r.Register("max_depth", NewMaxDepth)
	r.Register("json_lines", NewJSONLines)
	return r
}

// Register adds or replaces a factory
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Lookup returns the factory registered under name
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", name)
	}
	return f, nil
}

// Names returns the registered names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
