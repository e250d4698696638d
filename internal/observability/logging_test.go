package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedge/linkedge/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel(config.LogLevelDebug))
	assert.Equal(t, slog.LevelInfo, ParseLevel(config.LogLevelInfo))
	assert.Equal(t, slog.LevelWarn, ParseLevel(config.LogLevelWarn))
	assert.Equal(t, slog.LevelError, ParseLevel(config.LogLevelError))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, lvl := newLogger(&buf, config.LogLevelInfo, config.LogFormatJSON)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	lvl.Set(slog.LevelDebug)
	logger.Debug("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "linkedge", line["service"])
	assert.Equal(t, "v", line["k"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := newLogger(&buf, config.LogLevelWarn, config.LogFormatText)
	logger.Info("hidden")
	logger.Warn("careful")
	assert.Contains(t, buf.String(), "msg=careful")
	assert.NotContains(t, buf.String(), "hidden")
}
