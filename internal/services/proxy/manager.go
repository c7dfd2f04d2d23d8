// -----------------------------------------------------------------------
// Proxy Manager - tiered, health-checked proxy pool
// -----------------------------------------------------------------------

// Package proxy keeps a pool of proxy endpoints ranked by their check
// success rate. Proxies live in one of two tiers: the active queue serves
// callers, the backup pool holds candidates. Every tiered proxy also has one
// entry in the timeline, ordered by its next check time, which drives the
// check loop.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/pqueue"
)

// Status is the tier a proxy currently sits in
type Status int

const (
	StatusNone Status = iota
	StatusInQueue
	StatusInBackup
)

func (s Status) String() string {
	switch s {
	case StatusInQueue:
		return "in_queue"
	case StatusInBackup:
		return "in_backup"
	}
	return "none"
}

// Info is the tracked state of one proxy address
type Info struct {
	Addr            string
	NextCheck       time.Time
	LastCheck       time.Time
	Success         int
	Fail            int
	ConsecutiveFail int

	status   Status
	served   int // times handed out by GetProxyList
	queue    int // active queue handle
	display  int // display list handle
	backup   int // backup pool handle
	timeline int // timeline handle
}

// Rate is the Laplace smoothed success rate
func (p *Info) Rate() float64 {
	return float64(p.Success) / float64(p.Success+p.Fail+1)
}

func unixKey(t time.Time) float64 {
	return float64(t.UnixNano())
}

// Worst active proxy on top
func activeKey(p *Info) pqueue.Priority {
	return pqueue.Priority{-p.Rate(), -unixKey(p.LastCheck)}
}

// Least served, then best, proxy on top
func displayKey(p *Info) pqueue.Priority {
	return pqueue.Priority{-float64(p.served), p.Rate(), unixKey(p.LastCheck)}
}

// Worst backup proxy on top
func backupKey(p *Info) pqueue.Priority {
	return pqueue.Priority{-p.Rate(), float64(p.Fail)}
}

// Soonest check on top
func timelineKey(p *Info) pqueue.Priority {
	return pqueue.Priority{-unixKey(p.NextCheck)}
}

// betterCandidate orders backup candidates by (rate, -fail)
func betterCandidate(a, b *Info) bool {
	return pqueue.Priority{a.Rate(), -float64(a.Fail)}.Compare(pqueue.Priority{b.Rate(), -float64(b.Fail)}) > 0
}

// betterActive orders active proxies by (rate, last check)
func betterActive(a, b *Info) bool {
	return pqueue.Priority{a.Rate(), unixKey(a.LastCheck)}.Compare(pqueue.Priority{b.Rate(), unixKey(b.LastCheck)}) > 0
}

// Checker tests one proxy. A nil error is a successful check.
type Checker interface {
	Check(ctx context.Context, addr string) error
}

// Stats is a point in time view of the pool
type Stats struct {
	Active   int `json:"active"`
	Backup   int `json:"backup"`
	Checking int `json:"checking"`
	Known    int `json:"known"`
}

// Manager owns the three ranking structures. One mutex guards all of them;
// checks run outside it, bounded by a semaphore.
type Manager struct {
	config  common.AgentConfig
	checker Checker
	storage interfaces.ProxyStorage
	sem     *semaphore.Weighted
	logger  arbor.ILogger
	now     func() time.Time

	mu       sync.Mutex
	proxies  map[string]*Info
	active   *pqueue.Queue[*Info]
	display  *pqueue.Queue[*Info]
	backup   *pqueue.Queue[*Info]
	timeline *pqueue.Queue[*Info]
	checking int

	wg sync.WaitGroup
}

// NewManager creates an empty pool. storage may be nil, which disables the
// block window.
func NewManager(config common.AgentConfig, checker Checker, storage interfaces.ProxyStorage, logger arbor.ILogger) *Manager {
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	if config.BackupSize < 1 {
		config.BackupSize = 1
	}
	if config.CheckConcurrency < 1 {
		config.CheckConcurrency = 1
	}
	if config.MaxFailTimes < 1 {
		config.MaxFailTimes = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	return &Manager{
		config:   config,
		checker:  checker,
		storage:  storage,
		sem:      semaphore.NewWeighted(int64(config.CheckConcurrency)),
		logger:   logger,
		now:      time.Now,
		proxies:  make(map[string]*Info),
		active:   pqueue.New[*Info](config.QueueSize),
		display:  pqueue.New[*Info](config.QueueSize),
		backup:   pqueue.New[*Info](config.BackupSize),
		timeline: pqueue.New[*Info](config.QueueSize + config.BackupSize),
	}
}

// AddProxy offers addr to the backup pool. It returns false when the address
// is already tracked, was checked within the block window, or does not beat
// the worst backup proxy of a full pool.
func (m *Manager) AddProxy(ctx context.Context, addr string) (bool, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false, errors.New("empty proxy address")
	}

	m.mu.Lock()
	_, known := m.proxies[addr]
	m.mu.Unlock()
	if known {
		return false, nil
	}

	if m.storage != nil && m.config.BlockTime > 0 {
		last, err := m.storage.LastCheck(ctx, addr)
		if err != nil {
			return false, fmt.Errorf("failed to read last check of %s: %w", addr, err)
		}
		if !last.IsZero() && m.now().Sub(last) < m.config.BlockTime {
			m.logger.Debug().Str("proxy", addr).Str("last_check", last.Format(time.RFC3339)).Msg("Proxy within block window, ignored")
			return false, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.proxies[addr]; known {
		return false, nil
	}

	info := &Info{Addr: addr, NextCheck: m.now()}
	if !m.insertBackupLocked(info) {
		return false, nil
	}
	m.proxies[addr] = info
	return true, nil
}

// AddProxies offers every address and returns how many were accepted
func (m *Manager) AddProxies(ctx context.Context, addrs []string) (int, error) {
	added := 0
	var errs []error
	for _, addr := range addrs {
		ok, err := m.AddProxy(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			added++
		}
	}
	return added, errors.Join(errs...)
}

// GetProxyList returns up to count active proxies, best first, and rotates
// them behind the proxies that were served less often. count <= 0 returns
// every active proxy.
func (m *Manager) GetProxyList(count int, detail bool) models.ProxyListReply {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count <= 0 || count > m.display.Len() {
		count = m.display.Len()
	}

	popped := make([]*Info, 0, count)
	for len(popped) < count {
		info, ok := m.display.Pop()
		if !ok {
			break
		}
		m.active.Delete(info.queue)
		popped = append(popped, info)
	}

	reply := models.ProxyListReply{Proxies: make([]string, 0, len(popped))}
	for _, info := range popped {
		reply.Proxies = append(reply.Proxies, info.Addr)
		if detail {
			reply.Details = append(reply.Details, models.ProxyDetail{
				Addr:    info.Addr,
				Success: info.Success,
				Fail:    info.Fail,
			})
		}
		info.served++
		info.queue, _ = m.active.Push(info, activeKey(info))
		info.display, _ = m.display.Push(info, displayKey(info))
	}
	return reply
}

// Stats returns the tier sizes
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:   m.active.Len(),
		Backup:   m.backup.Len(),
		Checking: m.checking,
		Known:    len(m.proxies),
	}
}

// Lookup returns a copy of the tracked state of addr
func (m *Manager) Lookup(addr string) (Info, Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.proxies[addr]
	if !ok {
		return Info{}, StatusNone, false
	}
	return *info, info.status, true
}

// Run dispatches due checks until ctx is done, then waits for running
// checks and flushes the last-check store.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().
		Int("queue_size", m.config.QueueSize).
		Int("backup_size", m.config.BackupSize).
		Int("check_concurrency", m.config.CheckConcurrency).
		Msg("Proxy check loop started")

	defer func() {
		m.wg.Wait()
		if m.storage != nil {
			if err := m.storage.Flush(context.Background()); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to flush proxy store")
			}
		}
		m.logger.Info().Msg("Proxy check loop stopped")
	}()

	for {
		dispatched, err := m.dispatchDue(ctx)
		if err != nil {
			return nil
		}
		if dispatched > 0 {
			continue
		}

		wait := m.untilNextCheck()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) untilNextCheck() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	wait := m.config.PollInterval
	if info, ok := m.timeline.Top(); ok {
		if d := info.NextCheck.Sub(m.now()); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// dispatchDue starts a check for every proxy whose next check has passed.
// It returns an error only when ctx ended while waiting for a check slot.
func (m *Manager) dispatchDue(ctx context.Context) (int, error) {
	dispatched := 0
	for {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return dispatched, err
		}

		info := m.takeDue()
		if info == nil {
			m.sem.Release(1)
			return dispatched, nil
		}

		dispatched++
		m.wg.Add(1)
		common.SafeGo(m.logger, "proxy-check", func() {
			defer m.wg.Done()
			defer m.sem.Release(1)
			m.check(ctx, info)
		})
	}
}

// takeDue removes the soonest due proxy from its tier and the timeline
func (m *Manager) takeDue() *Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.timeline.Top()
	if !ok || info.NextCheck.After(m.now()) {
		return nil
	}
	m.untierLocked(info)
	m.checking++
	return info
}

func (m *Manager) check(ctx context.Context, info *Info) {
	checkCtx := ctx
	if m.config.CheckTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.config.CheckTimeout)
		defer cancel()
	}

	err := m.checker.Check(checkCtx, info.Addr)
	if ctx.Err() != nil {
		// Shutting down: keep the proxy without counting the check
		m.mu.Lock()
		m.checking--
		if !m.insertBackupLocked(info) {
			delete(m.proxies, info.Addr)
		}
		m.mu.Unlock()
		return
	}

	now := m.now()
	if m.storage != nil {
		if serr := m.storage.SetLastCheck(ctx, info.Addr, now); serr != nil {
			m.logger.Warn().Err(serr).Str("proxy", info.Addr).Msg("Failed to record proxy check")
		}
	}
	m.handleResult(info, err, now)
}

// handleResult applies a check outcome and reinserts the proxy
func (m *Manager) handleResult(info *Info, err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checking--
	info.LastCheck = now

	if err == nil {
		info.Success++
		info.ConsecutiveFail = 0
		info.NextCheck = now.Add(m.config.CheckInterval)
		m.promoteLocked(info)
		return
	}

	info.Fail++
	info.ConsecutiveFail++
	if info.ConsecutiveFail > m.config.MaxFailTimes {
		delete(m.proxies, info.Addr)
		m.logger.Debug().
			Str("proxy", info.Addr).
			Int("consecutive_fail", info.ConsecutiveFail).
			Msg("Proxy dropped after repeated failures")
		return
	}

	info.NextCheck = now.Add(m.config.BackupCheckInterval)
	if !m.insertBackupLocked(info) {
		delete(m.proxies, info.Addr)
	}
}

// promoteLocked puts a freshly checked proxy into the active queue. A full
// queue only takes it when it beats the worst active proxy, which is then
// demoted to the backup pool.
func (m *Manager) promoteLocked(info *Info) {
	if m.active.IsFull() {
		worst, _ := m.active.Top()
		if !betterActive(info, worst) {
			if !m.insertBackupLocked(info) {
				delete(m.proxies, info.Addr)
			}
			return
		}
		m.untierLocked(worst)
		if !m.insertBackupLocked(worst) {
			delete(m.proxies, worst.Addr)
		}
	}

	info.queue, _ = m.active.Push(info, activeKey(info))
	info.display, _ = m.display.Push(info, displayKey(info))
	info.timeline, _ = m.timeline.Push(info, timelineKey(info))
	info.status = StatusInQueue
}

// insertBackupLocked adds info to the backup pool, evicting the worst backup
// proxy when info beats it. It returns false when info was rejected.
func (m *Manager) insertBackupLocked(info *Info) bool {
	if m.backup.IsFull() {
		worst, _ := m.backup.Top()
		if !betterCandidate(info, worst) {
			return false
		}
		m.untierLocked(worst)
		delete(m.proxies, worst.Addr)
		m.logger.Debug().Str("proxy", worst.Addr).Msg("Proxy evicted from backup pool")
	}

	info.backup, _ = m.backup.Push(info, backupKey(info))
	info.timeline, _ = m.timeline.Push(info, timelineKey(info))
	info.status = StatusInBackup
	return true
}

// untierLocked removes info from its tier and the timeline
func (m *Manager) untierLocked(info *Info) {
	switch info.status {
	case StatusInQueue:
		m.active.Delete(info.queue)
		m.display.Delete(info.display)
	case StatusInBackup:
		m.backup.Delete(info.backup)
	}
	if info.status != StatusNone {
		m.timeline.Delete(info.timeline)
	}
	info.status = StatusNone
}
