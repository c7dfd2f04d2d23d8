package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

const proxyPrefix = "proxy:"

// ProxyStorage records the last check time of every proxy address. Updates
// are buffered and committed through a WriteBatch every commitEvery writes,
// so a crash only loses recent timestamps.
type ProxyStorage struct {
	db          *BadgerDB
	logger      arbor.ILogger
	commitEvery int

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewProxyStorage creates a new ProxyStorage instance
func NewProxyStorage(db *BadgerDB, logger arbor.ILogger, commitEvery int) *ProxyStorage {
	if commitEvery < 1 {
		commitEvery = 1
	}
	return &ProxyStorage{
		db:          db,
		logger:      logger,
		commitEvery: commitEvery,
		pending:     make(map[string]time.Time),
	}
}

// LastCheck returns the last check time for addr, zero when never seen
func (s *ProxyStorage) LastCheck(ctx context.Context, addr string) (time.Time, error) {
	s.mu.Lock()
	at, ok := s.pending[addr]
	s.mu.Unlock()
	if ok {
		return at, nil
	}

	var nanos int64
	err := s.db.DB().View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(proxyPrefix + addr))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt timestamp for %s", addr)
			}
			nanos = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read proxy %s: %w", addr, err)
	}
	return time.Unix(0, nanos), nil
}

// SetLastCheck buffers a check time for addr and commits when the batch is full
func (s *ProxyStorage) SetLastCheck(ctx context.Context, addr string, at time.Time) error {
	s.mu.Lock()
	s.pending[addr] = at
	full := len(s.pending) >= s.commitEvery
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush commits all buffered check times
func (s *ProxyStorage) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make(map[string]time.Time)
	s.mu.Unlock()

	wb := s.db.DB().NewWriteBatch()
	defer wb.Cancel()

	for addr, at := range batch {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
		if err := wb.Set([]byte(proxyPrefix+addr), buf[:]); err != nil {
			return fmt.Errorf("failed to stage proxy %s: %w", addr, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to commit proxy batch: %w", err)
	}

	s.logger.Debug().Int("proxies", len(batch)).Msg("Proxy check times committed")
	return nil
}
