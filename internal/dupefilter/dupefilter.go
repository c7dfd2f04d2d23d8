// Package dupefilter decides whether a request fingerprint has already been
// scheduled. Every filter is usable before Open and after Close.
package dupefilter

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

// DupeFilter reports whether a request was seen before and marks it seen
type DupeFilter interface {
	// IsDuplicated returns false the first time a fingerprint is offered and
	// true afterwards. Requests with DontFilter set always return false.
	IsDuplicated(req *models.Request) bool

	// Open loads persisted state
	Open(ctx context.Context) error

	// Close persists state
	Close(ctx context.Context) error
}

// Deps are the collaborators a filter may need
type Deps struct {
	Config    *common.CrawlerConfig
	Snapshots interfaces.SnapshotStorage // nil disables snapshots
	Redis     *redis.Client              // required by the redis filter
	KeyPrefix string                     // redis key prefix
	Name      string                     // snapshot and key namespace, usually the task ID
	Logger    arbor.ILogger
}

// New builds the filter selected by crawler.dupe_filter
func New(deps Deps) (DupeFilter, error) {
	var snapshots interfaces.SnapshotStorage
	if deps.Config.Snapshot {
		snapshots = deps.Snapshots
	}

	switch deps.Config.DupeFilter {
	case "", "set":
		return NewSetFilter(snapshots, deps.Name, deps.Logger), nil
	case "bloom":
		return NewBloomFilter(deps.Config.BloomCapacity, deps.Config.BloomFalsePositive, snapshots, deps.Name, deps.Logger), nil
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis dupe filter requires [redis] addr")
		}
		return NewRedisFilter(deps.Redis, deps.KeyPrefix, deps.Name, deps.Logger), nil
	case "none":
		return NoFilter{}, nil
	default:
		return nil, fmt.Errorf("unknown dupe filter %q", deps.Config.DupeFilter)
	}
}

// NoFilter never reports duplicates
type NoFilter struct{}

func (NoFilter) IsDuplicated(req *models.Request) bool { return false }
func (NoFilter) Open(ctx context.Context) error        { return nil }
func (NoFilter) Close(ctx context.Context) error       { return nil }

func snapshotName(name string) string {
	return "dupefilter:" + name
}
