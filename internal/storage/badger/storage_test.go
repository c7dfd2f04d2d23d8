package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

func openTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSnapshotStorageRoundTrip(t *testing.T) {
	db := openTestDB(t)
	storage := NewSnapshotStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.Load(ctx, "queue:task-1")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, storage.Save(ctx, "queue:task-1", []byte("payload")))
	data, err := storage.Load(ctx, "queue:task-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, storage.Delete(ctx, "queue:task-1"))
	_, err = storage.Load(ctx, "queue:task-1")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestProxyStorageBatchesWrites(t *testing.T) {
	db := openTestDB(t)
	storage := NewProxyStorage(db, arbor.NewLogger(), 2)
	ctx := context.Background()

	at := time.Unix(1700000000, 0)
	require.NoError(t, storage.SetLastCheck(ctx, "1.1.1.1:8080", at))

	// Buffered writes are visible through the storage before commit
	got, err := storage.LastCheck(ctx, "1.1.1.1:8080")
	require.NoError(t, err)
	assert.True(t, got.Equal(at))
	assert.Len(t, storage.pending, 1)

	require.NoError(t, storage.SetLastCheck(ctx, "2.2.2.2:3128", at.Add(time.Minute)))
	assert.Empty(t, storage.pending, "second write fills the batch and commits")

	// A fresh storage over the same DB reads committed values
	reopened := NewProxyStorage(db, arbor.NewLogger(), 10)
	got, err = reopened.LastCheck(ctx, "2.2.2.2:3128")
	require.NoError(t, err)
	assert.True(t, got.Equal(at.Add(time.Minute)))

	missing, err := reopened.LastCheck(ctx, "9.9.9.9:1")
	require.NoError(t, err)
	assert.True(t, missing.IsZero())
}

func TestProxyStorageFlush(t *testing.T) {
	db := openTestDB(t)
	storage := NewProxyStorage(db, arbor.NewLogger(), 100)
	ctx := context.Background()

	at := time.Unix(1700000500, 0)
	require.NoError(t, storage.SetLastCheck(ctx, "3.3.3.3:80", at))
	require.NoError(t, storage.Flush(ctx))
	require.NoError(t, storage.Flush(ctx))

	other := NewProxyStorage(db, arbor.NewLogger(), 100)
	got, err := other.LastCheck(ctx, "3.3.3.3:80")
	require.NoError(t, err)
	assert.True(t, got.Equal(at))
}

func TestTaskStorageCRUD(t *testing.T) {
	db := openTestDB(t)
	storage := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	first := models.NewTask("follow", "first", map[string]string{"start_urls": "http://a.example"})
	first.CreateTime = time.Now().Add(-time.Minute)
	second := models.NewTask("follow", "second", nil)
	second.Status = models.TaskStatusRunning

	require.NoError(t, storage.SaveTask(ctx, first))
	require.NoError(t, storage.SaveTask(ctx, second))

	got, err := storage.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Description)
	assert.Equal(t, "http://a.example", got.Args["start_urls"])

	all, err := storage.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	running, err := storage.ListTasksByStatus(ctx, models.TaskStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	require.NoError(t, storage.DeleteTask(ctx, first.ID))
	_, err = storage.GetTask(ctx, first.ID)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.ErrorIs(t, storage.DeleteTask(ctx, first.ID), interfaces.ErrKeyNotFound)

	assert.Error(t, storage.SaveTask(ctx, &models.Task{}))
}
