// -----------------------------------------------------------------------
// Storage interfaces - badger-backed persistence used by every role
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/spindle/internal/models"
)

// ErrKeyNotFound is returned when a key is not found in a store
var ErrKeyNotFound = errors.New("key not found")

// SnapshotStorage persists opaque blobs such as a dumped request queue or a
// dupe filter fingerprint set.
type SnapshotStorage interface {
	// Load returns the blob saved under name, or ErrKeyNotFound
	Load(ctx context.Context, name string) ([]byte, error)

	// Save replaces the blob saved under name
	Save(ctx context.Context, name string, data []byte) error

	// Delete removes the blob, missing names are not an error
	Delete(ctx context.Context, name string) error
}

// TaskStorage persists master task records
type TaskStorage interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// ProxyStorage remembers when each proxy address was last checked.
// Writes may be buffered; Flush commits them.
type ProxyStorage interface {
	// LastCheck returns the last check time for addr, zero when unknown
	LastCheck(ctx context.Context, addr string) (time.Time, error)

	// SetLastCheck records a check time for addr
	SetLastCheck(ctx context.Context, addr string, at time.Time) error

	// Flush commits buffered writes
	Flush(ctx context.Context) error
}
