package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/handlers"
	"github.com/ternarybob/spindle/internal/httpclient"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/master"
	"github.com/ternarybob/spindle/internal/services/proxy"
	badgerstore "github.com/ternarybob/spindle/internal/storage/badger"
)

func newMasterServer(t *testing.T) *httpclient.MasterClient {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := master.NewService(common.MasterConfig{FetcherTimeout: time.Minute}, badgerstore.NewTaskStorage(db, logger), nil, logger)
	routes := MasterRoutes(handlers.NewTaskHandler(svc, logger), handlers.NewStatusHandler("master", logger))
	srv := New("master", "127.0.0.1", 0, logger, routes)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return httpclient.NewMasterClient(ts.URL)
}

func TestMasterAPI(t *testing.T) {
	ctx := context.Background()
	client := newMasterServer(t)

	task, err := client.CreateTask(ctx, models.CreateTaskRequest{
		Spider: "follow",
		Args:   map[string]string{"start_urls": "http://example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCreated, task.Status)

	_, err = client.StartTask(ctx, task.ID)
	require.NoError(t, err)

	reply, err := client.Heartbeat(ctx, models.Heartbeat{
		FetcherID: "fetcher-1",
		Progress:  []models.TaskProgress{{TaskID: task.ID, Responses: 3, Items: 2}},
	})
	require.NoError(t, err)
	require.Len(t, reply.RunningTasks, 1)
	assert.Equal(t, task.ID, reply.RunningTasks[0].ID)

	progress, err := client.GetTaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), progress.Responses)
	assert.Equal(t, 1, progress.Fetchers)

	require.NoError(t, client.FinishTask(ctx, task.ID))
	// A second finish is a conflict the client tolerates
	require.NoError(t, client.FinishTask(ctx, task.ID))

	running, err := client.GetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	_, err = client.StartTask(ctx, task.ID)
	assert.True(t, httpclient.IsStatus(err, http.StatusConflict))

	removed, err := client.RemoveTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRemoved, removed.Status)

	_, err = client.GetTaskInfo(ctx, task.ID)
	assert.True(t, httpclient.IsStatus(err, http.StatusNotFound))
}

func TestMasterAPIValidatesRequests(t *testing.T) {
	ctx := context.Background()
	client := newMasterServer(t)

	_, err := client.CreateTask(ctx, models.CreateTaskRequest{})
	assert.True(t, httpclient.IsStatus(err, http.StatusBadRequest))

	_, err = client.Heartbeat(ctx, models.Heartbeat{})
	assert.True(t, httpclient.IsStatus(err, http.StatusBadRequest))
}

type okChecker struct{}

func (okChecker) Check(context.Context, string) error { return nil }

func TestAgentAPI(t *testing.T) {
	ctx := context.Background()
	logger := arbor.NewLogger()
	manager := proxy.NewManager(common.AgentConfig{
		QueueSize:           10,
		BackupSize:          10,
		CheckConcurrency:    2,
		CheckInterval:       time.Hour,
		BackupCheckInterval: time.Hour,
		MaxFailTimes:        2,
		PollInterval:        10 * time.Millisecond,
	}, okChecker{}, nil, logger)

	routes := AgentRoutes(handlers.NewProxyHandler(manager, logger), handlers.NewStatusHandler("agent", logger))
	ts := httptest.NewServer(New("agent", "127.0.0.1", 0, logger, routes).Handler())
	t.Cleanup(ts.Close)
	client := httpclient.NewAgentClient(ts.URL)

	added, err := client.AddProxies(ctx, []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Unchecked proxies wait in backup and are not served
	list, err := client.GetProxyList(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, list)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		reply, err := client.GetProxyDetails(ctx, 5, true)
		return err == nil && len(reply.Proxies) == 2 && len(reply.Details) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.AddProxies(ctx, nil)
	assert.True(t, httpclient.IsStatus(err, http.StatusBadRequest))
}

func TestStatusRoutesAndRecovery(t *testing.T) {
	logger := arbor.NewLogger()
	status := handlers.NewStatusHandler("agent", logger)
	srv := New("agent", "127.0.0.1", 0, logger, func(mux *http.ServeMux) {
		statusRoutes(mux, status)
		mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"agent"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), common.GetVersion())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
