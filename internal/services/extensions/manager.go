package extensions

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
)

// Manager holds the ordered handler lists built from the enabled stages
type Manager struct {
	names         []string
	requests      []RequestHandler
	responses     []ResponseHandler
	errs          []ErrorHandler
	spiderInputs  []SpiderInputHandler
	spiderOutputs []SpiderOutputHandler
	spiderErrors  []SpiderErrorHandler
	startRequests []StartRequestsHandler
	items         []ItemHandler
	openers       []Opener
	closers       []Closer
	logger        arbor.ILogger
}

// NewManager resolves names through registry and registers every enabled stage
func NewManager(names []string, registry *Registry, deps Deps) (*Manager, error) {
	m := &Manager{logger: deps.Logger}

	for _, name := range names {
		factory, err := registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		stage, err := factory(deps)
		if errors.Is(err, models.ErrNotEnabled) {
			m.logger.Debug().Str("extension", name).Msg("Extension not enabled")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create extension %s: %w", name, err)
		}
		m.Add(name, stage)
	}

	m.logger.Debug().Strs("extensions", m.names).Msg("Extensions enabled")
	return m, nil
}

// Add registers a stage under each capability it implements
func (m *Manager) Add(name string, stage any) {
	m.names = append(m.names, name)
	if h, ok := stage.(RequestHandler); ok {
		m.requests = append(m.requests, h)
	}
	if h, ok := stage.(ResponseHandler); ok {
		m.responses = append(m.responses, h)
	}
	if h, ok := stage.(ErrorHandler); ok {
		m.errs = append(m.errs, h)
	}
	if h, ok := stage.(SpiderInputHandler); ok {
		m.spiderInputs = append(m.spiderInputs, h)
	}
	if h, ok := stage.(SpiderOutputHandler); ok {
		m.spiderOutputs = append(m.spiderOutputs, h)
	}
	if h, ok := stage.(SpiderErrorHandler); ok {
		m.spiderErrors = append(m.spiderErrors, h)
	}
	if h, ok := stage.(StartRequestsHandler); ok {
		m.startRequests = append(m.startRequests, h)
	}
	if h, ok := stage.(ItemHandler); ok {
		m.items = append(m.items, h)
	}
	if h, ok := stage.(Opener); ok {
		m.openers = append(m.openers, h)
	}
	if h, ok := stage.(Closer); ok {
		m.closers = append(m.closers, h)
	}
}

// Names returns the enabled stage names in order
func (m *Manager) Names() []string {
	return m.names
}

// ItemHandlers returns the item handlers in order
func (m *Manager) ItemHandlers() []ItemHandler {
	return m.items
}

// Open calls every Opener in order
func (m *Manager) Open(ctx context.Context) error {
	for _, o := range m.openers {
		if err := o.Open(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close calls every Closer in reverse order and joins their errors
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Download runs req through the request chain, fetch, and the response or
// error chain. The result carries either a response for the spider or a
// replacement request to schedule. Cancellation skips the error chain.
func (m *Manager) Download(ctx context.Context, req *models.Request, fetch FetchFunc) (*Result, error) {
	var resp *models.Response

	for _, h := range m.requests {
		res, err := h.HandleRequest(ctx, req)
		if err != nil {
			return m.handleError(ctx, req, err)
		}
		if res != nil {
			if res.Request != nil {
				return res, nil
			}
			resp = res.Response
			break
		}
	}

	if resp == nil {
		var err error
		resp, err = fetch(ctx, req)
		if err != nil {
			return m.handleError(ctx, req, err)
		}
	}

	return m.handleResponse(ctx, req, resp)
}

func (m *Manager) handleResponse(ctx context.Context, req *models.Request, resp *models.Response) (*Result, error) {
	for i := len(m.responses) - 1; i >= 0; i-- {
		res, err := m.responses[i].HandleResponse(ctx, req, resp)
		if err != nil {
			return nil, err
		}
		if res != nil {
			if res.Request != nil {
				return res, nil
			}
			if res.Response != nil {
				resp = res.Response
			}
		}
	}
	if resp.Request == nil {
		resp.Request = req
	}
	return &Result{Response: resp}, nil
}

func (m *Manager) handleError(ctx context.Context, req *models.Request, err error) (*Result, error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil, err
	}

	for i := len(m.errs) - 1; i >= 0; i-- {
		res, herr := m.errs[i].HandleError(ctx, req, err)
		if herr != nil {
			err = herr
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			continue
		}
		if res != nil {
			if res.Request != nil {
				return res, nil
			}
			if res.Response != nil {
				return m.handleResponse(ctx, req, res.Response)
			}
		}
	}
	return nil, err
}

// SpiderInput runs the spider input chain in order
func (m *Manager) SpiderInput(ctx context.Context, resp *models.Response) error {
	for _, h := range m.spiderInputs {
		if err := h.HandleSpiderInput(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

// SpiderOutput runs the spider output chain in reverse order
func (m *Manager) SpiderOutput(ctx context.Context, resp *models.Response, results []any) ([]any, error) {
	var err error
	for i := len(m.spiderOutputs) - 1; i >= 0; i-- {
		results, err = m.spiderOutputs[i].HandleSpiderOutput(ctx, resp, results)
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// SpiderError offers a parse error to the spider error chain in reverse
// order. The first handler returning results recovers it.
func (m *Manager) SpiderError(ctx context.Context, resp *models.Response, err error) ([]any, error) {
	for i := len(m.spiderErrors) - 1; i >= 0; i-- {
		results, herr := m.spiderErrors[i].HandleSpiderError(ctx, resp, err)
		if herr != nil {
			err = herr
			continue
		}
		if results != nil {
			return results, nil
		}
	}
	return nil, err
}

// StartRequests runs the start requests chain in order
func (m *Manager) StartRequests(ctx context.Context, reqs []*models.Request) ([]*models.Request, error) {
	var err error
	for _, h := range m.startRequests {
		reqs, err = h.HandleStartRequests(ctx, reqs)
		if err != nil {
			return nil, err
		}
	}
	return reqs, nil
}
