package dupefilter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

// BloomFilter trades a bounded false positive rate for constant memory.
// It is opt-in and lossy: a false positive reports a fingerprint as
// duplicate before it was ever seen, dropping a request that was never
// crawled. Use SetFilter or RedisFilter when every URL must be fetched.
type BloomFilter struct {
	mu        sync.Mutex
	filter    *bloom.BloomFilter
	snapshots interfaces.SnapshotStorage
	name      string
	logger    arbor.ILogger
}

// NewBloomFilter sizes the filter for capacity fingerprints at rate fp
func NewBloomFilter(capacity uint, fp float64, snapshots interfaces.SnapshotStorage, name string, logger arbor.ILogger) *BloomFilter {
	if capacity == 0 {
		capacity = 1000000
	}
	if fp <= 0 {
		fp = 0.001
	}
	return &BloomFilter{
		filter:    bloom.NewWithEstimates(capacity, fp),
		snapshots: snapshots,
		name:      name,
		logger:    logger,
	}
}

func (f *BloomFilter) IsDuplicated(req *models.Request) bool {
	if req.DontFilter {
		return false
	}
	fp := []byte(req.Fingerprint())

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestAndAdd(fp)
}

func (f *BloomFilter) Open(ctx context.Context) error {
	if f.snapshots == nil {
		return nil
	}
	data, err := f.snapshots.Load(ctx, snapshotName(f.name))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load bloom filter: %w", err)
	}

	loaded := &bloom.BloomFilter{}
	if _, err := loaded.ReadFrom(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to decode bloom filter: %w", err)
	}

	f.mu.Lock()
	f.filter = loaded
	f.mu.Unlock()
	f.logger.Debug().Str("name", f.name).Msg("Bloom dupe filter loaded")
	return nil
}

func (f *BloomFilter) Close(ctx context.Context) error {
	if f.snapshots == nil {
		return nil
	}

	var buf bytes.Buffer
	f.mu.Lock()
	_, err := f.filter.WriteTo(&buf)
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode bloom filter: %w", err)
	}

	if err := f.snapshots.Save(ctx, snapshotName(f.name), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to dump bloom filter: %w", err)
	}
	return nil
}
