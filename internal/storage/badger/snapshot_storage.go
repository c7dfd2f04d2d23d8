package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/interfaces"
)

const snapshotPrefix = "snapshot:"

// SnapshotStorage stores queue and dupe filter dumps as single badger values
type SnapshotStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSnapshotStorage creates a new SnapshotStorage instance
func NewSnapshotStorage(db *BadgerDB, logger arbor.ILogger) *SnapshotStorage {
	return &SnapshotStorage{db: db, logger: logger}
}

// Load returns the blob saved under name
func (s *SnapshotStorage) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.DB().View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", name, err)
	}
	return data, nil
}

// Save replaces the blob saved under name
func (s *SnapshotStorage) Save(ctx context.Context, name string, data []byte) error {
	err := s.db.DB().Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", name, err)
	}
	s.logger.Debug().Str("snapshot", name).Int("bytes", len(data)).Msg("Snapshot saved")
	return nil
}

// Delete removes the blob saved under name
func (s *SnapshotStorage) Delete(ctx context.Context, name string) error {
	err := s.db.DB().Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(snapshotPrefix + name))
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	return nil
}
