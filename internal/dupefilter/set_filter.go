package dupefilter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/interfaces"
	"github.com/ternarybob/spindle/internal/models"
)

// SetFilter keeps every fingerprint in memory. With snapshot storage the set
// is loaded on Open and dumped on Close.
type SetFilter struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	snapshots interfaces.SnapshotStorage
	name      string
	logger    arbor.ILogger
}

// NewSetFilter creates an empty set filter
func NewSetFilter(snapshots interfaces.SnapshotStorage, name string, logger arbor.ILogger) *SetFilter {
	return &SetFilter{
		seen:      make(map[string]struct{}),
		snapshots: snapshots,
		name:      name,
		logger:    logger,
	}
}

func (f *SetFilter) IsDuplicated(req *models.Request) bool {
	if req.DontFilter {
		return false
	}
	fp := req.Fingerprint()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[fp]; ok {
		return true
	}
	f.seen[fp] = struct{}{}
	return false
}

// Len returns the number of fingerprints seen
func (f *SetFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *SetFilter) Open(ctx context.Context) error {
	if f.snapshots == nil {
		return nil
	}
	data, err := f.snapshots.Load(ctx, snapshotName(f.name))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load dupe filter: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 {
			f.seen[string(line)] = struct{}{}
		}
	}
	f.logger.Debug().Str("name", f.name).Int("fingerprints", len(f.seen)).Msg("Dupe filter loaded")
	return nil
}

func (f *SetFilter) Close(ctx context.Context) error {
	if f.snapshots == nil {
		return nil
	}

	f.mu.Lock()
	var buf bytes.Buffer
	for fp := range f.seen {
		buf.WriteString(fp)
		buf.WriteByte('\n')
	}
	count := len(f.seen)
	f.mu.Unlock()

	if err := f.snapshots.Save(ctx, snapshotName(f.name), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to dump dupe filter: %w", err)
	}
	f.logger.Debug().Str("name", f.name).Int("fingerprints", count).Msg("Dupe filter dumped")
	return nil
}
