package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ternarybob/spindle/internal/models"
)

// MasterClient calls the master task API
type MasterClient struct {
	client
}

// NewMasterClient creates a client for the master at baseURL
func NewMasterClient(baseURL string, opts ...Option) *MasterClient {
	return &MasterClient{client: newClient(baseURL, opts...)}
}

func taskPath(id, action string) string {
	path := "/api/tasks/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path
}

// CreateTask registers a new task
func (c *MasterClient) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, req, &task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &task, nil
}

// ListTasks returns every task
func (c *MasterClient) ListTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// GetTaskInfo returns one task
func (c *MasterClient) GetTaskInfo(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, nil, &task); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

// StartTask moves a task to running
func (c *MasterClient) StartTask(ctx context.Context, id string) (*models.Task, error) {
	return c.transition(ctx, id, "start")
}

// StopTask moves a task to stopped
func (c *MasterClient) StopTask(ctx context.Context, id string) (*models.Task, error) {
	return c.transition(ctx, id, "stop")
}

// FinishTask moves a task to finished. A task that is no longer running,
// for example because its fetchers already reported it idle, is not an error.
func (c *MasterClient) FinishTask(ctx context.Context, id string) error {
	_, err := c.transition(ctx, id, "finish")
	if IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

// RemoveTask deletes a task
func (c *MasterClient) RemoveTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodDelete, taskPath(id, ""), nil, nil, &task); err != nil {
		return nil, fmt.Errorf("failed to remove task %s: %w", id, err)
	}
	return &task, nil
}

// GetTaskProgress returns the counters summed across fetchers
func (c *MasterClient) GetTaskProgress(ctx context.Context, id string) (*models.TaskProgress, error) {
	var progress models.TaskProgress
	if err := c.do(ctx, http.MethodGet, taskPath(id, "progress"), nil, nil, &progress); err != nil {
		return nil, fmt.Errorf("failed to get progress of task %s: %w", id, err)
	}
	return &progress, nil
}

// GetRunningTasks returns the running tasks
func (c *MasterClient) GetRunningTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/running", nil, nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to get running tasks: %w", err)
	}
	return tasks, nil
}

// Heartbeat reports fetcher progress
func (c *MasterClient) Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.HeartbeatReply, error) {
	var reply models.HeartbeatReply
	if err := c.do(ctx, http.MethodPost, "/api/heartbeat", nil, hb, &reply); err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	return &reply, nil
}

func (c *MasterClient) transition(ctx context.Context, id, action string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, taskPath(id, action), nil, nil, &task); err != nil {
		return nil, fmt.Errorf("failed to %s task %s: %w", action, id, err)
	}
	return &task, nil
}
