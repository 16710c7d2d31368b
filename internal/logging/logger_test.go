package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("chatty"))
}

func TestLoggerEmitsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "dispatch-api")

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept", "taxi_id", "T1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "dispatch-api", rec["service"])
	assert.Equal(t, "T1", rec["taxi_id"])
}
