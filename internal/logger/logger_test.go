package logger

import (
	"binance-strategy-bot-go/internal/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l := New(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})

	l.Info("strategy started")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "strategy started")
	assert.Contains(t, string(data), "INFO")
}

func TestNewFallsBackToInfoLevel(t *testing.T) {
	l := New(models.LogConfig{Level: "not-a-level", Output: "console"})
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestSBeforeInit(t *testing.T) {
	baseLogger = nil
	assert.NotNil(t, S())
}
