package dupefilter

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
)

const redisTimeout = 5 * time.Second

// RedisFilter keeps fingerprints in a redis set shared by every fetcher
// working on the same task. Redis errors fail open: the request is treated
// as new and scheduled.
type RedisFilter struct {
	client *redis.Client
	key    string
	logger arbor.ILogger
}

// NewRedisFilter creates a filter over the set <prefix>:dupefilter:<name>
func NewRedisFilter(client *redis.Client, prefix, name string, logger arbor.ILogger) *RedisFilter {
	if prefix == "" {
		prefix = "spindle"
	}
	return &RedisFilter{
		client: client,
		key:    prefix + ":dupefilter:" + name,
		logger: logger,
	}
}

func (f *RedisFilter) IsDuplicated(req *models.Request) bool {
	if req.DontFilter {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	added, err := f.client.SAdd(ctx, f.key, req.Fingerprint()).Result()
	if err != nil {
		f.logger.Warn().Err(err).Str("url", req.URL).Msg("Redis dupe filter unavailable, scheduling request")
		return false
	}
	return added == 0
}

// Open is a no-op; the set lives in redis
func (f *RedisFilter) Open(ctx context.Context) error {
	return nil
}

// Close is a no-op; other fetchers may still use the set
func (f *RedisFilter) Close(ctx context.Context) error {
	return nil
}

// Clear drops the shared set, used when a task is removed
func (f *RedisFilter) Clear(ctx context.Context) error {
	return f.client.Del(ctx, f.key).Err()
}
