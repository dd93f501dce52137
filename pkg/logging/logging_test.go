package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		logger, err := New(DefaultConfig())
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
		assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Level = "loud"
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("InvalidFormat", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Format = "xml"
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("FileSink", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Level = "debug"
		cfg.Format = "console"
		cfg.File = filepath.Join(t.TempDir(), "sentinel.log")

		logger, err := New(cfg)
		require.NoError(t, err)
		logger.Named("detector").Debug("baseline loaded", zap.String("key", "baselines/m/a/b.json"))
		_ = logger.Sync()

		data, err := os.ReadFile(cfg.File)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"logger":"detector"`)
		assert.Contains(t, string(data), "baseline loaded")
	})
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
