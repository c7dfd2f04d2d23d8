package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/events"
	badgerstore "github.com/ternarybob/spindle/internal/storage/badger"
)

func newTestService(t *testing.T, bus interfaces.EventService) *Service {
	t.Helper()
	db, err := badgerstore.NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storage := badgerstore.NewTaskStorage(db, arbor.NewLogger())
	return NewService(common.MasterConfig{FetcherTimeout: time.Minute}, storage, bus, arbor.NewLogger())
}

func createTask(t *testing.T, s *Service) *models.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), models.CreateTaskRequest{
		Spider: "follow",
		Args:   map[string]string{"start_urls": "http://example.com"},
	})
	require.NoError(t, err)
	return task
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	task := createTask(t, s)
	assert.Equal(t, models.TaskStatusCreated, task.Status)

	started, err := s.StartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, started.Status)
	assert.False(t, started.StartTime.IsZero())

	running, err := s.GetRunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, task.ID, running[0].ID)

	stopped, err := s.StopTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, stopped.Status)
	assert.False(t, stopped.FinishTime.IsZero())

	_, err = s.StartTask(ctx, task.ID)
	require.NoError(t, err)
	finished, err := s.FinishTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, finished.Status)

	info, err := s.GetTaskInfo(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, info.Status)
	assert.Equal(t, "follow", info.Spider)

	removed, err := s.RemoveTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRemoved, removed.Status)

	_, err = s.GetTaskInfo(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	created := createTask(t, s)
	_, err := s.StopTask(ctx, created.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.FinishTask(ctx, created.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	running := createTask(t, s)
	_, err = s.StartTask(ctx, running.ID)
	require.NoError(t, err)
	_, err = s.StartTask(ctx, running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.RemoveTask(ctx, running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.FinishTask(ctx, running.ID)
	require.NoError(t, err)
	_, err = s.StartTask(ctx, running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	info, err := s.GetTaskInfo(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, info.Status, "rejected transitions leave the task unchanged")

	_, err = s.StartTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.TaskStatus
		want     bool
	}{
		{models.TaskStatusCreated, models.TaskStatusRunning, true},
		{models.TaskStatusStopped, models.TaskStatusRunning, true},
		{models.TaskStatusRunning, models.TaskStatusStopped, true},
		{models.TaskStatusRunning, models.TaskStatusFinished, true},
		{models.TaskStatusCreated, models.TaskStatusRemoved, true},
		{models.TaskStatusStopped, models.TaskStatusRemoved, true},
		{models.TaskStatusFinished, models.TaskStatusRemoved, true},
		{models.TaskStatusRunning, models.TaskStatusRemoved, false},
		{models.TaskStatusFinished, models.TaskStatusRunning, false},
		{models.TaskStatusCreated, models.TaskStatusFinished, false},
		{models.TaskStatusRemoved, models.TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreateTaskRequiresSpider(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.CreateTask(context.Background(), models.CreateTaskRequest{})
	assert.Error(t, err)
}

func TestHeartbeatAggregatesProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	task := createTask(t, s)
	_, err := s.StartTask(ctx, task.ID)
	require.NoError(t, err)

	reply, err := s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Scheduled: 10, Responses: 7, Items: 3, QueueSize: 3}},
	})
	require.NoError(t, err)
	require.Len(t, reply.RunningTasks, 1)
	assert.Equal(t, task.ID, reply.RunningTasks[0].ID)

	_, err = s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-2",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Scheduled: 5, Responses: 5, Errors: 1}},
	})
	require.NoError(t, err)

	progress, err := s.GetTaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, progress.TaskID)
	assert.Equal(t, 2, progress.Fetchers)
	assert.Equal(t, int64(15), progress.Scheduled)
	assert.Equal(t, int64(12), progress.Responses)
	assert.Equal(t, int64(3), progress.Items)
	assert.Equal(t, int64(1), progress.Errors)
	assert.Equal(t, 3, progress.QueueSize)

	// a newer heartbeat replaces the fetcher's previous report
	_, err = s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Scheduled: 12, Responses: 12}},
	})
	require.NoError(t, err)
	progress, err = s.GetTaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(17), progress.Scheduled)

	_, err = s.GetTaskProgress(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = s.HandleHeartbeat(ctx, models.Heartbeat{})
	assert.Error(t, err)
}

func runningIDs(reply *models.HeartbeatReply) []string {
	ids := make([]string, 0, len(reply.RunningTasks))
	for _, task := range reply.RunningTasks {
		ids = append(ids, task.ID)
	}
	return ids
}

func TestHeartbeatFinishesTaskOnlyWhenEveryFetcherIsIdle(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	task := createTask(t, s)
	_, err := s.StartTask(ctx, task.ID)
	require.NoError(t, err)

	_, err = s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-2",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Scheduled: 4, QueueSize: 2}},
	})
	require.NoError(t, err)

	// fetcher-1 drained the shared queue but fetcher-2 is still crawling
	reply, err := s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Responses: 3, Idle: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, runningIDs(reply))

	info, err := s.GetTaskInfo(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, info.Status)

	progress, err := s.GetTaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, progress.Idle)

	reply, err = s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-2",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Scheduled: 4, Responses: 4, Idle: true}},
	})
	require.NoError(t, err)
	assert.Empty(t, reply.RunningTasks)

	info, err = s.GetTaskInfo(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, info.Status)
	assert.Empty(t, info.Error)

	progress, err = s.GetTaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, progress.Idle)
	assert.Equal(t, int64(7), progress.Responses)

	// a late idle report for a finished task changes nothing
	_, err = s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Idle: true}},
	})
	require.NoError(t, err)
	info, err = s.GetTaskInfo(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, info.Status)
}

func TestHeartbeatStopsTaskWhenCrawlFails(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	task := createTask(t, s)
	_, err := s.StartTask(ctx, task.ID)
	require.NoError(t, err)

	reply, err := s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Error: "start requests of follow: not implemented"}},
	})
	require.NoError(t, err)
	assert.Empty(t, reply.RunningTasks)

	info, err := s.GetTaskInfo(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, info.Status)
	assert.Equal(t, "start requests of follow: not implemented", info.Error)

	restarted, err := s.StartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, restarted.Error, "restarting clears the failure")
}

func TestSilentFetchersAreEvicted(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	task := createTask(t, s)
	_, err := s.HandleHeartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Items: 4}},
	})
	require.NoError(t, err)
	require.Len(t, s.Fetchers(), 1)

	now = now.Add(2 * time.Minute)
	_, err = s.HandleHeartbeat(ctx, models.Heartbeat{FetcherID: "fetcher-2"})
	require.NoError(t, err)

	fetchers := s.Fetchers()
	require.Len(t, fetchers, 1)
	assert.Equal(t, "fetcher-2", fetchers[0].ID)

	progress, err := s.GetTaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Fetchers)
	assert.Equal(t, int64(0), progress.Items)
}

func TestTransitionsPublishStatusEvents(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	defer bus.Close()

	var mu sync.Mutex
	var changes []string
	_, err := bus.Subscribe(interfaces.EventTaskStatusChanged, func(ctx context.Context, event interfaces.Event) error {
		payload := event.Payload.(map[string]interface{})
		mu.Lock()
		changes = append(changes, payload["old_status"].(string)+"->"+payload["new_status"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	s := newTestService(t, bus)
	task := createTask(t, s)
	_, err = s.StartTask(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1 && changes[0] == "created->running"
	}, time.Second, 10*time.Millisecond)
}
