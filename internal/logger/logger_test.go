package logger_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/logger"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")

	log, err := logger.NewLogger(logger.LoggerConfig{
		Level:    "debug",
		FilePath: path,
		MaxSize:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	logger.WithSession(logger.WithFile(log, "cat.png"), 7).Info("Compression session started")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &line))
	assert.Equal(t, "Compression session started", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "cat.png", line["file"])
	assert.Equal(t, float64(7), line["session"])
	assert.Contains(t, line, "timestamp")
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := logger.NewLogger(logger.LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, logger.OrDiscard(nil))

	l := logrus.New()
	assert.Same(t, l, logger.OrDiscard(l))
}

func TestWithOperation(t *testing.T) {
	entry := logger.WithOperation(logger.Discard(), "compress")
	assert.Equal(t, "compress", entry.Data["operation"])
}
