package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

const sourceFetchTimeout = 30 * time.Second

// SourceRefresher periodically pulls proxy lists from the configured sources
// and offers every address to the manager. A source is an http(s) URL or a
// local file holding one address per line; blank lines and # comments are
// skipped.
type SourceRefresher struct {
	manager  *Manager
	sources  []string
	schedule string
	client   *http.Client
	cron     *cron.Cron
	logger   arbor.ILogger

	mu           sync.Mutex // Protects isRefreshing
	isRefreshing bool
	running      bool
}

// NewSourceRefresher creates a refresher. An empty schedule refreshes only
// once on Start.
func NewSourceRefresher(manager *Manager, sources []string, schedule string, logger arbor.ILogger) *SourceRefresher {
	return &SourceRefresher{
		manager:  manager,
		sources:  sources,
		schedule: schedule,
		client:   &http.Client{Timeout: sourceFetchTimeout},
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start refreshes once and then on the configured schedule
func (s *SourceRefresher) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("source refresher already running")
	}
	if len(s.sources) == 0 {
		s.logger.Info().Msg("No proxy sources configured")
		return nil
	}

	if s.schedule != "" {
		if _, err := s.cron.AddFunc(s.schedule, func() { s.Refresh(ctx) }); err != nil {
			return fmt.Errorf("invalid source schedule %q: %w", s.schedule, err)
		}
		s.cron.Start()
	}
	s.running = true

	s.logger.Info().
		Int("sources", len(s.sources)).
		Str("schedule", s.schedule).
		Msg("Proxy source refresher started")

	go s.Refresh(ctx)
	return nil
}

// Stop halts the schedule and waits for a running refresh
func (s *SourceRefresher) Stop() {
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// Refresh pulls every source once. Overlapping runs are skipped.
func (s *SourceRefresher) Refresh(ctx context.Context) int {
	s.mu.Lock()
	if s.isRefreshing {
		s.mu.Unlock()
		s.logger.Debug().Msg("Proxy source refresh already running, skipped")
		return 0
	}
	s.isRefreshing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRefreshing = false
		s.mu.Unlock()
	}()

	total := 0
	for _, source := range s.sources {
		if ctx.Err() != nil {
			break
		}

		addrs, err := s.fetch(ctx, source)
		if err != nil {
			s.logger.Warn().Err(err).Str("source", source).Msg("Failed to fetch proxy source")
			continue
		}

		added, err := s.manager.AddProxies(ctx, addrs)
		if err != nil {
			s.logger.Warn().Err(err).Str("source", source).Msg("Some proxies could not be added")
		}
		total += added

		s.logger.Debug().
			Str("source", source).
			Int("fetched", len(addrs)).
			Int("added", added).
			Msg("Proxy source refreshed")
	}
	return total
}

func (s *SourceRefresher) fetch(ctx context.Context, source string) ([]string, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		f, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ParseProxyList(f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}
	return ParseProxyList(resp.Body)
}

// ParseProxyList reads one proxy address per line
func ParseProxyList(r io.Reader) ([]string, error) {
	var addrs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs, scanner.Err()
}
