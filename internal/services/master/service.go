// -----------------------------------------------------------------------
// Master - crawl task registry and fetcher progress aggregation
// -----------------------------------------------------------------------

package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

const defaultFetcherTimeout = time.Minute

// transitions lists the statuses each status may move to
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusCreated:  {models.TaskStatusRunning, models.TaskStatusRemoved},
	models.TaskStatusRunning:  {models.TaskStatusStopped, models.TaskStatusFinished},
	models.TaskStatusStopped:  {models.TaskStatusRunning, models.TaskStatusRemoved},
	models.TaskStatusFinished: {models.TaskStatusRemoved},
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to models.TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FetcherInfo is the last heartbeat received from one fetcher
type FetcherInfo struct {
	ID       string                         `json:"id"`
	Address  string                         `json:"address,omitempty"`
	LastSeen time.Time                      `json:"last_seen"`
	Progress map[string]models.TaskProgress `json:"progress"`
}

// Service owns task state. All transitions are serialized on mu so a
// concurrent start and stop of the same task cannot interleave.
type Service struct {
	storage interfaces.TaskStorage
	events  interfaces.EventService
	timeout time.Duration
	logger  arbor.ILogger
	now     func() time.Time

	mu       sync.Mutex
	fetchers map[string]*FetcherInfo
}

// NewService creates the task registry. events may be nil.
func NewService(config common.MasterConfig, storage interfaces.TaskStorage, events interfaces.EventService, logger arbor.ILogger) *Service {
	timeout := config.FetcherTimeout
	if timeout <= 0 {
		timeout = defaultFetcherTimeout
	}
	return &Service{
		storage:  storage,
		events:   events,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		fetchers: make(map[string]*FetcherInfo),
	}
}

// CreateTask registers a task in the created state
func (s *Service) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if req.Spider == "" {
		return nil, errors.New("spider is required")
	}

	task := models.NewTask(req.Spider, req.Description, req.Args)
	task.CreateTime = s.now()
	if err := s.storage.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("spider", task.Spider).
		Msg("Task created")
	return task, nil
}

// StartTask moves a created or stopped task to running
func (s *Service) StartTask(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, models.TaskStatusRunning)
}

// StopTask moves a running task to stopped. Fetchers stop their runners on
// their next heartbeat.
func (s *Service) StopTask(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, models.TaskStatusStopped)
}

// FinishTask moves a running task to finished
func (s *Service) FinishTask(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, models.TaskStatusFinished)
}

// RemoveTask deletes a task that is not running
func (s *Service) RemoveTask(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(ctx, id, models.TaskStatusRemoved)
}

// GetTaskInfo returns the task record
func (s *Service) GetTaskInfo(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.storage.GetTask(ctx, id)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

// ListTasks returns every task, newest first
func (s *Service) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.storage.ListTasks(ctx)
}

// GetRunningTasks returns the tasks fetchers should be running
func (s *Service) GetRunningTasks(ctx context.Context) ([]*models.Task, error) {
	return s.storage.ListTasksByStatus(ctx, models.TaskStatusRunning)
}

// GetTaskProgress sums the latest counters every live fetcher reported for id
func (s *Service) GetTaskProgress(ctx context.Context, id string) (models.TaskProgress, error) {
	if _, err := s.GetTaskInfo(ctx, id); err != nil {
		return models.TaskProgress{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	total := models.TaskProgress{TaskID: id}
	idle := true
	for _, f := range s.fetchers {
		if p, ok := f.Progress[id]; ok {
			total.Add(p)
			total.Fetchers++
			idle = idle && p.Idle
		}
	}
	total.Idle = total.Fetchers > 0 && idle
	return total, nil
}

// HandleHeartbeat records a fetcher's progress and answers with the tasks
// that should be running. A task is finished once every live fetcher
// reporting it is idle, and stopped as soon as one reports a failed crawl.
func (s *Service) HandleHeartbeat(ctx context.Context, hb models.Heartbeat) (*models.HeartbeatReply, error) {
	if hb.FetcherID == "" {
		return nil, errors.New("fetcher_id is required")
	}
	now := s.now()

	s.mu.Lock()
	f, known := s.fetchers[hb.FetcherID]
	if !known {
		f = &FetcherInfo{ID: hb.FetcherID}
		s.fetchers[hb.FetcherID] = f
	}
	f.Address = hb.Address
	f.LastSeen = now
	f.Progress = make(map[string]models.TaskProgress, len(hb.Progress))
	for _, p := range hb.Progress {
		p.LastHeartbeatAt = now
		f.Progress[p.TaskID] = p
	}
	s.evictLocked()
	finished, failed := s.settledLocked(hb)
	s.mu.Unlock()

	for id, reason := range failed {
		s.settle(ctx, id, models.TaskStatusStopped, reason)
	}
	for _, id := range finished {
		s.settle(ctx, id, models.TaskStatusFinished, "")
	}

	if !known {
		s.logger.Info().
			Str("fetcher_id", hb.FetcherID).
			Str("address", hb.Address).
			Msg("Fetcher joined")
	}

	running, err := s.GetRunningTasks(ctx)
	if err != nil {
		return nil, err
	}
	return &models.HeartbeatReply{RunningTasks: running}, nil
}

// settledLocked returns the tasks in hb that every reporting fetcher has
// finished, and the tasks whose crawl failed with the failure reason.
func (s *Service) settledLocked(hb models.Heartbeat) (finished []string, failed map[string]string) {
	failed = make(map[string]string)
	for _, p := range hb.Progress {
		switch {
		case p.Error != "":
			failed[p.TaskID] = p.Error
		case p.Idle && s.idleLocked(p.TaskID):
			finished = append(finished, p.TaskID)
		}
	}
	return finished, failed
}

func (s *Service) idleLocked(id string) bool {
	for _, f := range s.fetchers {
		if p, ok := f.Progress[id]; ok && !p.Idle {
			return false
		}
	}
	return true
}

// settle moves a running task on behalf of its fetchers. A task that already
// left the running state is left alone.
func (s *Service) settle(ctx context.Context, id string, to models.TaskStatus, reason string) {
	_, err := s.transitionWithReason(ctx, id, to, reason)
	if err == nil || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrTaskNotFound) {
		return
	}
	s.logger.Warn().Err(err).
		Str("task_id", id).
		Str("new_status", string(to)).
		Msg("Failed to settle task from heartbeat")
}

// Fetchers returns the live fetchers ordered by ID
func (s *Service) Fetchers() []FetcherInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	result := make([]FetcherInfo, 0, len(s.fetchers))
	for _, f := range s.fetchers {
		result = append(result, *f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Run evicts silent fetchers until ctx is done
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			s.evictLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Service) evictLocked() {
	now := s.now()
	for id, f := range s.fetchers {
		if now.Sub(f.LastSeen) > s.timeout {
			delete(s.fetchers, id)
			s.logger.Warn().
				Str("fetcher_id", id).
				Str("last_seen", f.LastSeen.Format(time.RFC3339)).
				Msg("Fetcher evicted after missing heartbeats")
		}
	}
}

func (s *Service) transition(ctx context.Context, id string, to models.TaskStatus) (*models.Task, error) {
	return s.transitionWithReason(ctx, id, to, "")
}

func (s *Service) transitionWithReason(ctx context.Context, id string, to models.TaskStatus, reason string) (*models.Task, error) {
	s.mu.Lock()
	task, err := s.GetTaskInfo(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	from := task.Status
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is %s, cannot become %s", ErrInvalidTransition, id, from, to)
	}

	task.Status = to
	switch to {
	case models.TaskStatusRunning:
		task.StartTime = s.now()
		task.FinishTime = time.Time{}
		task.Error = ""
	case models.TaskStatusStopped, models.TaskStatusFinished:
		task.FinishTime = s.now()
		task.Error = reason
	}

	if to == models.TaskStatusRemoved {
		err = s.storage.DeleteTask(ctx, id)
		for _, f := range s.fetchers {
			delete(f.Progress, id)
		}
	} else {
		err = s.storage.SaveTask(ctx, task)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logEvent := s.logger.Info()
	if reason != "" {
		logEvent = s.logger.Warn().Str("reason", reason)
	}
	logEvent.
		Str("task_id", id).
		Str("old_status", string(from)).
		Str("new_status", string(to)).
		Msg("Task status changed")

	if s.events != nil {
		payload := map[string]interface{}{
			"task_id":    id,
			"old_status": string(from),
			"new_status": string(to),
			"timestamp":  s.now(),
		}
		if reason != "" {
			payload["reason"] = reason
		}
		event := interfaces.Event{
			Type:    interfaces.EventTaskStatusChanged,
			Payload: payload,
		}
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to publish task status change")
		}
	}
	return task, nil
}
