package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
)

// redisPopTimeout bounds each blocking pop so cancellation is noticed
const redisPopTimeout = time.Second

type redisEntry struct {
	ID      string          `json:"id"`
	Request *models.Request `json:"request"`
}

// RedisQueue is a request queue shared by every fetcher of a task, stored as
// a sorted set scored by priority. Entry IDs sort by push time so equal
// priorities pop oldest first.
type RedisQueue struct {
	client   *redis.Client
	key      string
	capacity int
	logger   arbor.ILogger

	waiting  atomic.Int64
	inflight atomic.Int64
	closed   atomic.Bool
}

// NewRedisQueue creates a queue under prefix:queue:name
func NewRedisQueue(client *redis.Client, prefix, name string, capacity int, logger arbor.ILogger) *RedisQueue {
	key := "queue:" + name
	if prefix != "" {
		key = prefix + ":" + key
	}
	return &RedisQueue{
		client:   client,
		key:      key,
		capacity: capacity,
		logger:   logger,
	}
}

func (q *RedisQueue) Open(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis for queue %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Push(ctx context.Context, req *models.Request) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if q.capacity > 0 && q.Len(ctx)+int(q.inflight.Load()) >= q.capacity {
		return ErrQueueFull
	}
	return q.add(ctx, req)
}

// Requeue puts a popped request back without a capacity check
func (q *RedisQueue) Requeue(ctx context.Context, req *models.Request) error {
	q.Done(req)
	return q.add(ctx, req)
}

func (q *RedisQueue) add(ctx context.Context, req *models.Request) error {
	entry := redisEntry{
		ID:      fmt.Sprintf("%019d-%s", math.MaxInt64-time.Now().UnixNano(), uuid.New().String()[:8]),
		Request: req,
	}
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	if err := q.client.ZAdd(ctx, q.key, &redis.Z{Score: float64(req.Priority), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("failed to push request to %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (*models.Request, error) {
	q.waiting.Add(1)
	defer q.waiting.Add(-1)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		result, err := q.client.BZPopMax(ctx, redisPopTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to pop request from %s: %w", q.key, err)
		}

		member, _ := result.Member.(string)
		var entry redisEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil || entry.Request == nil {
			q.logger.Warn().Str("queue", q.key).Msg("Dropped undecodable queue entry")
			continue
		}
		q.inflight.Add(1)
		return entry.Request, nil
	}
}

func (q *RedisQueue) Done(req *models.Request) {
	if q.inflight.Add(-1) < 0 {
		q.inflight.Store(0)
	}
}

// Idle is local to this fetcher for in-flight work; other fetchers may still
// be processing requests of the same task. The master only finishes the task
// once every fetcher reports idle.
func (q *RedisQueue) Idle(ctx context.Context) bool {
	if q.inflight.Load() != 0 {
		return false
	}
	n, err := q.client.ZCard(ctx, q.key).Result()
	return err == nil && n == 0
}

func (q *RedisQueue) Len(ctx context.Context) int {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		q.logger.Debug().Err(err).Str("queue", q.key).Msg("Failed to read queue length")
		return 0
	}
	return int(n)
}

func (q *RedisQueue) Waiting() int {
	return int(q.waiting.Load())
}

// Close stops further pushes and pops. Queued requests stay in redis.
func (q *RedisQueue) Close(ctx context.Context) error {
	q.closed.Store(true)
	return nil
}
