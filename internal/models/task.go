// -----------------------------------------------------------------------
// Task - master-side crawl task record
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a crawl task. Transitions happen only
// through the master's RPC surface.
type TaskStatus string

const (
	TaskStatusCreated  TaskStatus = "created"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFinished TaskStatus = "finished"
	TaskStatusRemoved  TaskStatus = "removed"
)

// Task represents a crawl registered with the master.
type Task struct {
	ID          string            `json:"id"`                          // Unique task ID (UUID)
	Status      TaskStatus        `json:"status" badgerhold:"index"`   // Current lifecycle state
	Description string            `json:"description"`                 // Free text shown to operators
	Spider      string            `json:"spider"`                      // Registered spider name fetchers resolve
	Args        map[string]string `json:"args,omitempty"`              // Spider arguments (start urls etc.)
	CreateTime  time.Time         `json:"create_time"`                 // When the task was created
	StartTime   time.Time         `json:"start_time,omitempty"`        // Last transition into running
	FinishTime  time.Time         `json:"finish_time,omitempty"`       // When the task stopped or finished
	Error       string            `json:"error,omitempty"`             // Why a fetcher's crawl failed, cleared on restart
}

// NewTask creates a task in the created state.
func NewTask(spider, description string, args map[string]string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Status:      TaskStatusCreated,
		Description: description,
		Spider:      spider,
		Args:        args,
		CreateTime:  time.Now(),
	}
}

// CreateTaskRequest is the payload of create_task.
type CreateTaskRequest struct {
	Spider      string            `json:"spider" validate:"required"`
	Description string            `json:"description" validate:"max=512"`
	Args        map[string]string `json:"args"`
}

// TaskProgress is the crawl counters for one task, summed across fetchers
// by the master.
type TaskProgress struct {
	TaskID          string    `json:"task_id"`
	Fetchers        int       `json:"fetchers"`
	Scheduled       int64     `json:"scheduled"`
	Responses       int64     `json:"responses"`
	Ignored         int64     `json:"ignored"`
	Items           int64     `json:"items"`
	ItemsIgnored    int64     `json:"items_ignored"`
	Errors          int64     `json:"errors"`
	QueueSize       int       `json:"queue_size"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`

	// Idle is set once the fetcher's crawl ran out of work. Error is set
	// instead when the crawl ended with an error.
	Idle  bool   `json:"idle,omitempty"`
	Error string `json:"error,omitempty"`
}

// Add accumulates counters from another progress report.
func (p *TaskProgress) Add(o TaskProgress) {
	p.Scheduled += o.Scheduled
	p.Responses += o.Responses
	p.Ignored += o.Ignored
	p.Items += o.Items
	p.ItemsIgnored += o.ItemsIgnored
	p.Errors += o.Errors
	p.QueueSize += o.QueueSize
	if p.Error == "" {
		p.Error = o.Error
	}
	if o.LastHeartbeatAt.After(p.LastHeartbeatAt) {
		p.LastHeartbeatAt = o.LastHeartbeatAt
	}
}

// Heartbeat is sent periodically by every fetcher.
type Heartbeat struct {
	FetcherID string         `json:"fetcher_id" validate:"required"`
	Address   string         `json:"address"`
	Progress  []TaskProgress `json:"progress"`
}

// HeartbeatReply tells the fetcher which tasks should be running.
type HeartbeatReply struct {
	RunningTasks []*Task `json:"running_tasks"`
}
