package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/crawler"
	"github.com/ternarybob/spindle/internal/spiders"
)

// fakeMaster runs every task on a single fetcher: an idle report finishes
// the task and a failed crawl stops it.
type fakeMaster struct {
	mu       sync.Mutex
	running  []*models.Task
	beats    int
	finished []string
	stopped  []string
	progress map[string]models.TaskProgress
	fail     bool
}

func newFakeMaster(running ...*models.Task) *fakeMaster {
	return &fakeMaster{running: running, progress: make(map[string]models.TaskProgress)}
}

func (m *fakeMaster) Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.HeartbeatReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats++
	if m.fail {
		return nil, errors.New("master unreachable")
	}
	for _, p := range hb.Progress {
		m.progress[p.TaskID] = p
		switch {
		case p.Error != "":
			m.stopped = append(m.stopped, p.TaskID)
			m.removeLocked(p.TaskID)
		case p.Idle:
			m.finished = append(m.finished, p.TaskID)
			m.removeLocked(p.TaskID)
		}
	}
	return &models.HeartbeatReply{RunningTasks: append([]*models.Task(nil), m.running...)}, nil
}

func (m *fakeMaster) removeLocked(id string) {
	kept := m.running[:0]
	for _, task := range m.running {
		if task.ID != id {
			kept = append(kept, task)
		}
	}
	m.running = kept
}

func (m *fakeMaster) setRunning(tasks ...*models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = tasks
}

func (m *fakeMaster) snapshot() (beats int, finished []string, progress map[string]models.TaskProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	progress = make(map[string]models.TaskProgress, len(m.progress))
	for k, v := range m.progress {
		progress[k] = v
	}
	return m.beats, append([]string(nil), m.finished...), progress
}

func (m *fakeMaster) stoppedTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stopped...)
}

func testConfig() *common.Config {
	cfg := common.NewDefaultConfig()
	cfg.Fetcher.ID = "fetcher-test"
	cfg.Fetcher.HeartbeatInterval = 20 * time.Millisecond
	cfg.Crawler.DownloaderClients = 2
	cfg.Crawler.SuperviseInterval = 20 * time.Millisecond
	return cfg
}

func followTask(id, startURL string) *models.Task {
	task := models.NewTask(spiders.FollowSpiderName, "", map[string]string{"start_urls": startURL})
	task.ID = id
	task.Status = models.TaskStatusRunning
	return task
}

func startFetcher(t *testing.T, master *fakeMaster) (*Service, context.CancelFunc, chan error) {
	t.Helper()
	return startFetcherWith(t, master, spiders.DefaultRegistry(arbor.NewLogger()))
}

func startFetcherWith(t *testing.T, master *fakeMaster, factory SpiderFactory) (*Service, context.CancelFunc, chan error) {
	t.Helper()
	svc, err := NewService(Deps{
		Config:  testConfig(),
		Master:  master,
		Spiders: factory,
		Logger:  arbor.NewLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, "fetcher-test", svc.ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	return svc, cancel, done
}

func waitStopped(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fetcher did not stop")
	}
}

func TestFetcherRunsAndFinishesTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/a">a</a></body></html>`)
		case "/a":
			fmt.Fprint(w, `<html><head><title>A</title></head></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	task := followTask("task-1", server.URL+"/")
	master := newFakeMaster(task)
	svc, cancel, done := startFetcher(t, master)
	defer waitStopped(t, cancel, done)

	require.Eventually(t, func() bool {
		_, finished, _ := master.snapshot()
		return len(finished) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, finished, _ := master.snapshot()
	assert.Equal(t, []string{"task-1"}, finished)
	assert.Empty(t, svc.Running())

	_, _, progress := master.snapshot()
	p := progress["task-1"]
	assert.True(t, p.Idle, "completion is reported as idle progress")
	assert.Empty(t, p.Error)
	assert.Equal(t, int64(2), p.Responses, "final counters travel with the idle report")
	assert.Equal(t, int64(2), p.Items)

	time.Sleep(100 * time.Millisecond)
	_, finished, _ = master.snapshot()
	assert.Len(t, finished, 1, "a finished task is not restarted")
}

func TestFetcherStopsTaskNoLongerRunning(t *testing.T) {
	release := make(chan struct{})
	hit := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case hit <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	task := followTask("task-2", server.URL+"/")
	master := newFakeMaster(task)
	svc, cancel, done := startFetcher(t, master)
	defer waitStopped(t, cancel, done)

	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("crawl never fetched its start page")
	}
	assert.Equal(t, []string{"task-2"}, svc.Running())

	master.setRunning()
	require.Eventually(t, func() bool { return len(svc.Running()) == 0 }, 5*time.Second, 10*time.Millisecond)

	_, finished, _ := master.snapshot()
	assert.Empty(t, finished, "a stopped task is not reported finished")
}

func TestFetcherShutdownStopsRunners(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	master := newFakeMaster(followTask("task-3", server.URL+"/"))
	svc, cancel, done := startFetcher(t, master)

	require.Eventually(t, func() bool { return len(svc.Running()) == 1 }, 5*time.Second, 10*time.Millisecond)
	waitStopped(t, cancel, done)

	assert.Empty(t, svc.Running())
	_, finished, _ := master.snapshot()
	assert.Empty(t, finished)
}

func TestFetcherSkipsUnknownSpider(t *testing.T) {
	task := followTask("task-4", "http://127.0.0.1:1/")
	task.Spider = "missing"
	master := newFakeMaster(task)
	svc, cancel, done := startFetcher(t, master)
	defer waitStopped(t, cancel, done)

	require.Eventually(t, func() bool {
		beats, _, _ := master.snapshot()
		return beats >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, svc.Running())
}

// emptySpiders builds spiders without start requests, so every crawl fails
type emptySpiders struct{}

func (emptySpiders) NewSpider(name string, args map[string]string) (crawler.Spider, error) {
	return crawler.BaseSpider{SpiderName: name}, nil
}

func TestFetcherReportsFailedCrawlInsteadOfFinishing(t *testing.T) {
	master := newFakeMaster(followTask("task-5", "http://127.0.0.1:1/"))
	svc, cancel, done := startFetcherWith(t, master, emptySpiders{})
	defer waitStopped(t, cancel, done)

	require.Eventually(t, func() bool { return len(master.stoppedTasks()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, finished, progress := master.snapshot()
	assert.Empty(t, finished, "a failed crawl is never reported finished")
	assert.Equal(t, []string{"task-5"}, master.stoppedTasks())
	p := progress["task-5"]
	assert.False(t, p.Idle)
	assert.Contains(t, p.Error, models.ErrNotImplemented.Error())
	assert.Empty(t, svc.Running())

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, master.stoppedTasks(), 1, "a failed task is not restarted")
}

func TestFetcherSurvivesMasterOutage(t *testing.T) {
	master := newFakeMaster()
	master.fail = true
	svc, cancel, done := startFetcher(t, master)
	defer waitStopped(t, cancel, done)

	require.Eventually(t, func() bool {
		beats, _, _ := master.snapshot()
		return beats >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, svc.Running())
}

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := NewService(Deps{Config: testConfig()})
	assert.Error(t, err)
}
