package dupefilter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

type memorySnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: make(map[string][]byte)}
}

func (m *memorySnapshots) Load(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[name]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return data, nil
}

func (m *memorySnapshots) Save(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), data...)
	return nil
}

func (m *memorySnapshots) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

func filtersUnderTest() map[string]DupeFilter {
	logger := arbor.NewLogger()
	return map[string]DupeFilter{
		"set":   NewSetFilter(nil, "t", logger),
		"bloom": NewBloomFilter(1000, 0.0001, nil, "t", logger),
	}
}

func TestIsDuplicatedIdempotence(t *testing.T) {
	for name, filter := range filtersUnderTest() {
		t.Run(name, func(t *testing.T) {
			// Usable before Open
			assert.False(t, filter.IsDuplicated(models.NewRequest("http://example.com/a?x=1&y=2")))
			assert.True(t, filter.IsDuplicated(models.NewRequest("http://example.com/a?y=2&x=1")), "query order does not change identity")
			assert.True(t, filter.IsDuplicated(models.NewRequest("HTTP://EXAMPLE.com:80/a?x=1&y=2#frag")))
			assert.False(t, filter.IsDuplicated(models.NewRequest("http://example.com/b")))

			post := models.NewRequest("http://example.com/a?x=1&y=2")
			post.Method = "POST"
			assert.False(t, filter.IsDuplicated(post), "method is part of the fingerprint")
		})
	}
}

func TestDontFilterNeverMarksSeen(t *testing.T) {
	for name, filter := range filtersUnderTest() {
		t.Run(name, func(t *testing.T) {
			req := models.NewRequest("http://example.com/retry")
			req.DontFilter = true
			assert.False(t, filter.IsDuplicated(req))
			assert.False(t, filter.IsDuplicated(req))

			req.DontFilter = false
			assert.False(t, filter.IsDuplicated(req), "dont_filter requests were never recorded")
			assert.True(t, filter.IsDuplicated(req))
		})
	}
}

func TestSetFilterSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	snapshots := newMemorySnapshots()

	first := NewSetFilter(snapshots, "task-1", arbor.NewLogger())
	require.NoError(t, first.Open(ctx))
	first.IsDuplicated(models.NewRequest("http://example.com/1"))
	first.IsDuplicated(models.NewRequest("http://example.com/2"))
	require.NoError(t, first.Close(ctx))

	second := NewSetFilter(snapshots, "task-1", arbor.NewLogger())
	require.NoError(t, second.Open(ctx))
	assert.Equal(t, 2, second.Len())
	assert.True(t, second.IsDuplicated(models.NewRequest("http://example.com/1")))
	assert.False(t, second.IsDuplicated(models.NewRequest("http://example.com/3")))

	other := NewSetFilter(snapshots, "task-2", arbor.NewLogger())
	require.NoError(t, other.Open(ctx))
	assert.Equal(t, 0, other.Len())
}

func TestBloomFilterSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	snapshots := newMemorySnapshots()

	first := NewBloomFilter(1000, 0.0001, snapshots, "task-1", arbor.NewLogger())
	first.IsDuplicated(models.NewRequest("http://example.com/1"))
	require.NoError(t, first.Close(ctx))

	second := NewBloomFilter(1000, 0.0001, snapshots, "task-1", arbor.NewLogger())
	require.NoError(t, second.Open(ctx))
	assert.True(t, second.IsDuplicated(models.NewRequest("http://example.com/1")))
}

func TestNewSelectsFilter(t *testing.T) {
	cfg := common.NewDefaultConfig().Crawler
	logger := arbor.NewLogger()

	assert.Equal(t, "set", cfg.DupeFilter, "the lossy bloom filter is opt-in")
	f, err := New(Deps{Config: &cfg, Name: "x", Logger: logger})
	require.NoError(t, err)
	assert.IsType(t, &SetFilter{}, f)

	cfg.DupeFilter = "bloom"
	f, err = New(Deps{Config: &cfg, Name: "x", Logger: logger})
	require.NoError(t, err)
	assert.IsType(t, &BloomFilter{}, f)

	cfg.DupeFilter = "none"
	f, err = New(Deps{Config: &cfg, Name: "x", Logger: logger})
	require.NoError(t, err)
	req := models.NewRequest("http://example.com")
	assert.False(t, f.IsDuplicated(req))
	assert.False(t, f.IsDuplicated(req))

	cfg.DupeFilter = "redis"
	_, err = New(Deps{Config: &cfg, Name: "x", Logger: logger})
	assert.Error(t, err, "redis filter needs a client")

	cfg.DupeFilter = "bogus"
	_, err = New(Deps{Config: &cfg, Name: "x", Logger: logger})
	assert.Error(t, err)
}

func TestRedisFilterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	filter := NewRedisFilter(client, "", "task-1", arbor.NewLogger())
	assert.Equal(t, "spindle:dupefilter:task-1", filter.key)

	req := models.NewRequest("http://example.com")
	assert.False(t, filter.IsDuplicated(req))
	assert.False(t, filter.IsDuplicated(req))
}
