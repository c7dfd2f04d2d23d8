// Package spiders holds the spiders a fetcher can run, looked up by the name
// stored on a task.
package spiders

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/services/crawler"
)

// ErrUnknownSpider is returned for names nobody registered
var ErrUnknownSpider = errors.New("unknown spider")

// Factory builds a spider from task arguments
type Factory func(args map[string]string) (crawler.Spider, error)

// Registry maps spider names to factories
type Registry struct {
	factories map[string]Factory
	logger    arbor.ILogger
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// DefaultRegistry returns a registry with the built-in spiders
func DefaultRegistry(logger arbor.ILogger) *Registry {
	r := NewRegistry(logger)
	_ = r.Register(FollowSpiderName, NewFollowSpider)
	return r
}

// Register adds a factory under name
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("spider name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("spider %s already registered", name)
	}
	r.factories[name] = factory

	if r.logger != nil {
		r.logger.Debug().Str("spider", name).Msg("Spider registered")
	}
	return nil
}

// NewSpider builds the spider registered under name
func (r *Registry) NewSpider(name string, args map[string]string) (crawler.Spider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpider, name)
	}
	spider, err := factory(args)
	if err != nil {
		return nil, fmt.Errorf("failed to create spider %s: %w", name, err)
	}
	return spider, nil
}

// Names returns the registered spider names in sorted order
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
