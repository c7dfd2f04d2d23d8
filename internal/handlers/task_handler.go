package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/master"
)

// TaskService defines the methods needed from the master service
type TaskService interface {
	CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error)
	StartTask(ctx context.Context, id string) (*models.Task, error)
	StopTask(ctx context.Context, id string) (*models.Task, error)
	FinishTask(ctx context.Context, id string) (*models.Task, error)
	RemoveTask(ctx context.Context, id string) (*models.Task, error)
	GetTaskInfo(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	GetTaskProgress(ctx context.Context, id string) (models.TaskProgress, error)
	GetRunningTasks(ctx context.Context) ([]*models.Task, error)
	HandleHeartbeat(ctx context.Context, hb models.Heartbeat) (*models.HeartbeatReply, error)
	Fetchers() []master.FetcherInfo
}

// TaskHandler serves the master task API
type TaskHandler struct {
	service TaskService
	logger  arbor.ILogger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(service TaskService, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// CreateTaskHandler handles POST /api/tasks
func (h *TaskHandler) CreateTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	task, err := h.service.CreateTask(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create task")
		return
	}
	WriteJSON(w, http.StatusCreated, task)
}

// ListTasksHandler handles GET /api/tasks
func (h *TaskHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.ListTasks(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to list tasks")
		return
	}
	WriteJSON(w, http.StatusOK, tasks)
}

// GetRunningTasksHandler handles GET /api/tasks/running
func (h *TaskHandler) GetRunningTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.GetRunningTasks(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to list running tasks")
		return
	}
	WriteJSON(w, http.StatusOK, tasks)
}

// GetTaskHandler handles GET /api/tasks/{id}
func (h *TaskHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.GetTaskInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "Failed to get task")
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// RemoveTaskHandler handles DELETE /api/tasks/{id}
func (h *TaskHandler) RemoveTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.RemoveTask, "Failed to remove task")
}

// StartTaskHandler handles POST /api/tasks/{id}/start
func (h *TaskHandler) StartTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.StartTask, "Failed to start task")
}

// StopTaskHandler handles POST /api/tasks/{id}/stop
func (h *TaskHandler) StopTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.StopTask, "Failed to stop task")
}

// FinishTaskHandler handles POST /api/tasks/{id}/finish
func (h *TaskHandler) FinishTaskHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.FinishTask, "Failed to finish task")
}

// GetTaskProgressHandler handles GET /api/tasks/{id}/progress
func (h *TaskHandler) GetTaskProgressHandler(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.GetTaskProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "Failed to get task progress")
		return
	}
	WriteJSON(w, http.StatusOK, progress)
}

// HeartbeatHandler handles POST /api/heartbeat
func (h *TaskHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if !DecodeJSON(w, r, &hb) {
		return
	}

	reply, err := h.service.HandleHeartbeat(r.Context(), hb)
	if err != nil {
		h.writeServiceError(w, err, "Failed to handle heartbeat")
		return
	}
	WriteJSON(w, http.StatusOK, reply)
}

// ListFetchersHandler handles GET /api/fetchers
func (h *TaskHandler) ListFetchersHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.service.Fetchers())
}

func (h *TaskHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Task, error), message string) {
	task, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, message)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// writeServiceError maps master errors to HTTP status codes
func (h *TaskHandler) writeServiceError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, master.ErrTaskNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, master.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg(message)
		WriteError(w, http.StatusInternalServerError, message)
	}
}
