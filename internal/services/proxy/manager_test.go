package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
)

var errCheckFailed = errors.New("check failed")

type memoryProxyStore struct {
	mu      sync.Mutex
	checks  map[string]time.Time
	flushes int
}

func newMemoryProxyStore() *memoryProxyStore {
	return &memoryProxyStore{checks: make(map[string]time.Time)}
}

func (s *memoryProxyStore) LastCheck(ctx context.Context, addr string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks[addr], nil
}

func (s *memoryProxyStore) SetLastCheck(ctx context.Context, addr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[addr] = at
	return nil
}

func (s *memoryProxyStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

type checkFunc func(ctx context.Context, addr string) error

func (f checkFunc) Check(ctx context.Context, addr string) error { return f(ctx, addr) }

func testAgentConfig(queueSize, backupSize int) common.AgentConfig {
	return common.AgentConfig{
		QueueSize:           queueSize,
		BackupSize:          backupSize,
		CheckConcurrency:    4,
		CheckInterval:       time.Hour,
		BackupCheckInterval: time.Hour,
		MaxFailTimes:        2,
		PollInterval:        10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, config common.AgentConfig) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(config, checkFunc(func(context.Context, string) error { return nil }), nil, arbor.NewLogger())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

// settle runs one check outcome for addr the way the check loop does
func settle(t *testing.T, m *Manager, addr string, err error, at time.Time) {
	t.Helper()
	m.mu.Lock()
	info, ok := m.proxies[addr]
	require.True(t, ok, "proxy %s not tracked", addr)
	m.untierLocked(info)
	m.checking++
	m.mu.Unlock()
	m.handleResult(info, err, at)
}

func mustAdd(t *testing.T, m *Manager, addrs ...string) {
	t.Helper()
	for _, addr := range addrs {
		ok, err := m.AddProxy(context.Background(), addr)
		require.NoError(t, err)
		require.True(t, ok, "proxy %s rejected", addr)
	}
}

func statusOf(m *Manager, addr string) Status {
	_, status, _ := m.Lookup(addr)
	return status
}

func TestAddProxyGoesToBackup(t *testing.T) {
	m, _ := newTestManager(t, testAgentConfig(2, 2))
	mustAdd(t, m, "10.0.0.1:8080")

	info, status, ok := m.Lookup("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, StatusInBackup, status)
	assert.Equal(t, 0.0, info.Rate())

	ok, err := m.AddProxy(context.Background(), "10.0.0.1:8080")
	require.NoError(t, err)
	assert.False(t, ok, "known proxy is not added twice")

	_, err = m.AddProxy(context.Background(), "  ")
	assert.Error(t, err)
	assert.Equal(t, Stats{Backup: 1, Known: 1}, m.Stats())
}

func TestAddProxyHonoursBlockWindow(t *testing.T) {
	config := testAgentConfig(2, 2)
	config.BlockTime = 10 * time.Minute
	store := newMemoryProxyStore()
	m := NewManager(config, nil, store, arbor.NewLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	store.checks["recent:1"] = now.Add(-time.Minute)
	store.checks["old:1"] = now.Add(-time.Hour)

	ok, err := m.AddProxy(context.Background(), "recent:1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.AddProxy(context.Background(), "old:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFullBackupEvictsOnlyForBetterCandidate(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(2, 2))
	mustAdd(t, m, "a:1", "b:1")

	ok, err := m.AddProxy(context.Background(), "c:1")
	require.NoError(t, err)
	assert.False(t, ok, "equal candidate does not displace")

	settle(t, m, "a:1", errCheckFailed, *clock)
	assert.Equal(t, StatusInBackup, statusOf(m, "a:1"))

	mustAdd(t, m, "c:1")
	_, _, known := m.Lookup("a:1")
	assert.False(t, known, "worst backup proxy evicted")
	assert.Equal(t, StatusInBackup, statusOf(m, "b:1"))
	assert.Equal(t, StatusInBackup, statusOf(m, "c:1"))
	assert.Equal(t, Stats{Backup: 2, Known: 2}, m.Stats())
}

func TestSuccessfulCheckPromotes(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(2, 2))
	mustAdd(t, m, "a:1")

	settle(t, m, "a:1", nil, *clock)

	info, status, ok := m.Lookup("a:1")
	require.True(t, ok)
	assert.Equal(t, StatusInQueue, status)
	assert.Equal(t, 1, info.Success)
	assert.Equal(t, clock.Add(time.Hour), info.NextCheck)
	assert.Equal(t, Stats{Active: 1, Known: 1}, m.Stats())
}

func TestBetterProxyDisplacesWorstActive(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(1, 2))
	mustAdd(t, m, "old:1")

	// old: one failure then one success, rate 1/3
	settle(t, m, "old:1", errCheckFailed, *clock)
	settle(t, m, "old:1", nil, clock.Add(time.Second))
	require.Equal(t, StatusInQueue, statusOf(m, "old:1"))

	// new: one success, rate 1/2
	mustAdd(t, m, "new:1")
	settle(t, m, "new:1", nil, clock.Add(2*time.Second))

	assert.Equal(t, StatusInQueue, statusOf(m, "new:1"))
	assert.Equal(t, StatusInBackup, statusOf(m, "old:1"))
	assert.Equal(t, Stats{Active: 1, Backup: 1, Known: 2}, m.Stats())

	reply := m.GetProxyList(0, false)
	assert.Equal(t, []string{"new:1"}, reply.Proxies)

	// weaker: same rate as old, stays out of the full active queue
	mustAdd(t, m, "weak:1")
	settle(t, m, "weak:1", errCheckFailed, clock.Add(3*time.Second))
	settle(t, m, "weak:1", nil, clock.Add(4*time.Second))
	assert.Equal(t, StatusInBackup, statusOf(m, "weak:1"))
	assert.Equal(t, StatusInQueue, statusOf(m, "new:1"))
	assert.Equal(t, 1, m.Stats().Active)
}

func TestProxyDroppedAfterConsecutiveFailures(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(2, 2))
	mustAdd(t, m, "a:1")

	settle(t, m, "a:1", errCheckFailed, *clock)
	settle(t, m, "a:1", errCheckFailed, *clock)
	info, status, ok := m.Lookup("a:1")
	require.True(t, ok)
	assert.Equal(t, StatusInBackup, status)
	assert.Equal(t, 2, info.ConsecutiveFail)

	settle(t, m, "a:1", errCheckFailed, *clock)
	_, _, ok = m.Lookup("a:1")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, m.Stats())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(2, 2))
	mustAdd(t, m, "a:1")

	settle(t, m, "a:1", errCheckFailed, *clock)
	settle(t, m, "a:1", errCheckFailed, *clock)
	settle(t, m, "a:1", nil, *clock)

	info, status, ok := m.Lookup("a:1")
	require.True(t, ok)
	assert.Equal(t, StatusInQueue, status)
	assert.Equal(t, 0, info.ConsecutiveFail)
	assert.Equal(t, 2, info.Fail)
}

func TestGetProxyListRotates(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(3, 3))
	mustAdd(t, m, "a:1", "b:1", "c:1")
	for i, addr := range []string{"a:1", "b:1", "c:1"} {
		settle(t, m, addr, nil, clock.Add(time.Duration(i)*time.Second))
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		reply := m.GetProxyList(1, false)
		require.Len(t, reply.Proxies, 1)
		seen[reply.Proxies[0]] = true
	}
	assert.Len(t, seen, 3, "each active proxy handed out once before any repeats")

	reply := m.GetProxyList(10, true)
	assert.Len(t, reply.Proxies, 3)
	require.Len(t, reply.Details, 3)
	assert.Equal(t, 1, reply.Details[0].Success)
	assert.Equal(t, 3, m.Stats().Active, "served proxies stay active")
}

func TestGetProxyListPrefersLeastServedOverRate(t *testing.T) {
	m, clock := newTestManager(t, testAgentConfig(3, 3))
	mustAdd(t, m, "best:1", "ok:1")
	settle(t, m, "best:1", nil, *clock)
	settle(t, m, "best:1", nil, clock.Add(time.Second))
	settle(t, m, "ok:1", nil, clock.Add(2*time.Second))

	var order []string
	for i := 0; i < 3; i++ {
		reply := m.GetProxyList(1, false)
		require.Len(t, reply.Proxies, 1)
		order = append(order, reply.Proxies[0])
	}
	// rate only orders proxies served equally often
	assert.Equal(t, []string{"best:1", "ok:1", "best:1"}, order)
}

func TestRunChecksDueProxies(t *testing.T) {
	store := newMemoryProxyStore()
	var mu sync.Mutex
	checked := make(map[string]int)
	checker := checkFunc(func(ctx context.Context, addr string) error {
		mu.Lock()
		checked[addr]++
		mu.Unlock()
		if strings.HasPrefix(addr, "bad") {
			return errCheckFailed
		}
		return nil
	})

	m := NewManager(testAgentConfig(4, 4), checker, store, arbor.NewLogger())
	_, err := m.AddProxies(context.Background(), []string{"good:1", "good:2", "bad:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Active == 2 && s.Backup == 1 && s.Checking == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("check loop did not stop")
	}

	mu.Lock()
	assert.Equal(t, map[string]int{"good:1": 1, "good:2": 1, "bad:1": 1}, checked)
	mu.Unlock()

	store.mu.Lock()
	assert.Len(t, store.checks, 3)
	assert.Equal(t, 1, store.flushes)
	store.mu.Unlock()
}

func TestHTTPChecker(t *testing.T) {
	var status = http.StatusOK
	var mu sync.Mutex
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer proxy.Close()

	checker := NewHTTPChecker("http://check.spindle.test/", time.Second)
	addr := proxy.Listener.Addr().String()
	assert.NoError(t, checker.Check(context.Background(), addr))

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	assert.Error(t, checker.Check(context.Background(), addr))

	assert.Error(t, checker.Check(context.Background(), "http://"))
}

func TestParseProxyList(t *testing.T) {
	addrs, err := ParseProxyList(strings.NewReader("# list\n1.1.1.1:80\n\n  2.2.2.2:3128  \n#3.3.3.3:1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1:80", "2.2.2.2:3128"}, addrs)
}

func TestSourceRefresherReadsHTTPAndFileSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "1.1.1.1:80")
		fmt.Fprintln(w, "2.2.2.2:80")
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(path, []byte("3.3.3.3:80\n1.1.1.1:80\n"), 0o644))

	m, _ := newTestManager(t, testAgentConfig(4, 4))
	refresher := NewSourceRefresher(m, []string{srv.URL, path, filepath.Join(t.TempDir(), "missing.txt")}, "", arbor.NewLogger())

	added := refresher.Refresh(context.Background())
	assert.Equal(t, 3, added)
	assert.Equal(t, 3, m.Stats().Known)
}

func TestSourceRefresherRejectsBadSchedule(t *testing.T) {
	m, _ := newTestManager(t, testAgentConfig(1, 1))
	refresher := NewSourceRefresher(m, []string{"unused"}, "not a schedule", arbor.NewLogger())
	assert.Error(t, refresher.Start(context.Background()))
}
