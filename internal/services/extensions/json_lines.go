package extensions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/spindle/internal/models"
)

// JSONLines appends every scraped item as one JSON object per line
type JSONLines struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewJSONLines is the json_lines factory
func NewJSONLines(deps Deps) (any, error) {
	if deps.Config.Crawler.ItemOutput == "" {
		return nil, models.ErrNotEnabled
	}
	return &JSONLines{path: deps.Config.Crawler.ItemOutput}, nil
}

func (j *JSONLines) Open(ctx context.Context) error {
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create item output directory: %w", err)
		}
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open item output: %w", err)
	}

	j.mu.Lock()
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.mu.Unlock()
	return nil
}

func (j *JSONLines) HandleItem(ctx context.Context, item models.Item) (models.Item, error) {
	line, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer == nil {
		return nil, fmt.Errorf("item output %s is not open", j.path)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write item: %w", err)
	}
	return item, nil
}

func (j *JSONLines) Close(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	j.writer = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
