package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFactory_InvalidLevel(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Level = "loud"

	_, err := NewLoggerFactory(cfg)
	assert.Error(t, err)
}

func TestNew_WritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(dir, "logs", "batchd.log")
	cfg.Encoding = "json"
	cfg.Development = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("cycle complete")
	_ = logger.Sync()

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cycle complete")
}

func TestGetLogger_CachesModuleLoggers(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.ModuleLevels = map[string]string{"scheduler": "debug"}

	f, err := NewLoggerFactory(cfg)
	require.NoError(t, err)

	a := f.GetLogger("scheduler")
	b := f.GetLogger("scheduler")
	assert.Same(t, a, b)
	assert.NotSame(t, a, f.GetLogger("tuner"))
}
