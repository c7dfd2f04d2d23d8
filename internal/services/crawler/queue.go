package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/pqueue"
)

var (
	// ErrQueueFull is returned by Push when the queue has no free slot
	ErrQueueFull = errors.New("request queue is full")

	// ErrQueueClosed is returned by Push and Pop after Close
	ErrQueueClosed = errors.New("request queue is closed")
)

// RequestQueue holds scheduled requests until a worker pops them. A popped
// request counts as in flight until Done or Requeue is called for it, and
// keeps its capacity slot until then.
type RequestQueue interface {
	Open(ctx context.Context) error
	Push(ctx context.Context, req *models.Request) error

	// Requeue returns a popped request to the queue and ends its in-flight
	// state. It does not fail for lack of capacity.
	Requeue(ctx context.Context, req *models.Request) error

	// Pop blocks until a request is available or ctx is done
	Pop(ctx context.Context) (*models.Request, error)

	// Done marks a popped request as finished
	Done(req *models.Request)

	// Idle reports that nothing is queued and nothing is in flight
	Idle(ctx context.Context) bool

	Len(ctx context.Context) int

	// Waiting returns the number of callers blocked in Pop
	Waiting() int

	Close(ctx context.Context) error
}

// MemoryQueue is a bounded in-process priority queue. Higher Request.Priority
// pops first; equal priorities pop in push order. Queued and in-flight
// requests together never exceed the capacity.
type MemoryQueue struct {
	name      string
	snapshots interfaces.SnapshotStorage
	logger    arbor.ILogger

	mu       sync.Mutex
	cond     *sync.Cond
	items    *pqueue.Queue[*models.Request]
	seq      float64
	waiting  int
	inflight int
	closed   bool
}

// NewMemoryQueue creates a queue holding at most capacity requests. When
// snapshots is set the queue is restored on Open and dumped on Close.
func NewMemoryQueue(capacity int, snapshots interfaces.SnapshotStorage, name string, logger arbor.ILogger) *MemoryQueue {
	q := &MemoryQueue{
		name:      name,
		snapshots: snapshots,
		logger:    logger,
		items:     pqueue.New[*models.Request](capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) snapshotName() string {
	return "queue:" + q.name
}

// Open restores a previously dumped queue
func (q *MemoryQueue) Open(ctx context.Context) error {
	if q.snapshots == nil {
		return nil
	}

	data, err := q.snapshots.Load(ctx, q.snapshotName())
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load queue snapshot: %w", err)
	}

	var reqs []*models.Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return fmt.Errorf("failed to decode queue snapshot: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, req := range reqs {
		if err := q.pushLocked(req); err != nil {
			return err
		}
	}
	q.cond.Broadcast()

	q.logger.Info().Int("requests", len(reqs)).Str("queue", q.name).Msg("Request queue restored from snapshot")
	return nil
}

// Push adds req to the queue
func (q *MemoryQueue) Push(ctx context.Context, req *models.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.items.Len()+q.inflight >= q.items.Cap() {
		return ErrQueueFull
	}
	if err := q.pushLocked(req); err != nil {
		return err
	}
	q.cond.Signal()
	return nil
}

// Requeue puts a popped request back into the slot it reserved
func (q *MemoryQueue) Requeue(ctx context.Context, req *models.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight > 0 {
		q.inflight--
	}
	if q.closed {
		return ErrQueueClosed
	}
	if err := q.pushLocked(req); err != nil {
		return err
	}
	q.cond.Signal()
	return nil
}

func (q *MemoryQueue) pushLocked(req *models.Request) error {
	q.seq++
	if _, ok := q.items.Push(req, pqueue.Priority{float64(req.Priority), -q.seq}); !ok {
		return ErrQueueFull
	}
	return nil
}

// Pop removes the highest priority request, blocking while the queue is empty
func (q *MemoryQueue) Pop(ctx context.Context) (*models.Request, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting++
	defer func() { q.waiting-- }()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		if req, ok := q.items.Pop(); ok {
			q.inflight++
			return req, nil
		}
		q.cond.Wait()
	}
}

// Done marks a popped request as finished
func (q *MemoryQueue) Done(req *models.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight > 0 {
		q.inflight--
	}
}

// Idle reports that the queue is empty and no popped request is in flight
func (q *MemoryQueue) Idle(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0 && q.inflight == 0
}

func (q *MemoryQueue) Len(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *MemoryQueue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}

// Requests returns the queued requests in pop order without removing them
func (q *MemoryQueue) Requests() []*models.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orderedLocked()
}

func (q *MemoryQueue) orderedLocked() []*models.Request {
	// Drain a copy so the live queue keeps its handles
	clone := pqueue.New[*models.Request](q.items.Cap())
	for _, handle := range q.items.Handles() {
		req, key, _ := q.items.Get(handle)
		clone.Push(req, key)
	}
	ordered := make([]*models.Request, 0, clone.Len())
	for {
		req, ok := clone.Pop()
		if !ok {
			return ordered
		}
		ordered = append(ordered, req)
	}
}

// Close wakes every blocked Pop and dumps the remaining requests when
// snapshots are enabled. An empty queue deletes its snapshot.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	reqs := q.orderedLocked()
	q.mu.Unlock()

	if q.snapshots == nil {
		return nil
	}
	if len(reqs) == 0 {
		return q.snapshots.Delete(ctx, q.snapshotName())
	}

	data, err := json.Marshal(reqs)
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}
	if err := q.snapshots.Save(ctx, q.snapshotName(), data); err != nil {
		return fmt.Errorf("failed to save queue snapshot: %w", err)
	}

	q.logger.Info().Int("requests", len(reqs)).Str("queue", q.name).Msg("Request queue dumped to snapshot")
	return nil
}
