package common

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesToLogsDir(t *testing.T) {
	dir := t.TempDir()
	config := NewDefaultConfig()
	config.Logging.Output = []string{"file"}
	config.Logging.Dir = dir
	config.Logging.Level = "debug"

	logger := InitLogger(config)
	require.NotNil(t, logger)
	assert.Same(t, logger, GetLogger(), "the initialised logger becomes the global one")
	assert.Equal(t, filepath.Join(dir, "spindle.log"), logger.GetLogFilePath())
	assert.Equal(t, dir, CrashLogDir)

	logger.Info().Str("role", "test").Msg("Logger initialised")
}

func TestPrintBanner(t *testing.T) {
	assert.NotPanics(t, func() { PrintBanner("master", GetVersion()) })
}
