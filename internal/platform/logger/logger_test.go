package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heliograph/internal/platform/config"
)

func TestProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Environment: "production", Log: config.Log{Level: "info"}}
	log := NewWithWriter(&buf, cfg)

	log.Debug("hidden")
	log.Info("registered", "document_id", "d1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "registered", entry["msg"])
	assert.Equal(t, "d1", entry["document_id"])
	assert.Equal(t, "document-registry", entry["service"])
}

func TestDevelopmentLogsText(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Environment: "development", Log: config.Log{Level: "debug"}}
	NewWithWriter(&buf, cfg).Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
