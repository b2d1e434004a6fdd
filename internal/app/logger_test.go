package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerTagsServiceAndHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json", LogLevel: "warn"}, "coldstore-worker")

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("ledger snapshots drifted", "rows", 3)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "coldstore-worker", entry["service"])
	require.Equal(t, "WARN", entry["level"])
	require.EqualValues(t, 3, entry["rows"])
}

func TestLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogLevel: "chatty"}, "")
	logger.Debug("hidden")
	logger.Info("shown")
	require.Contains(t, buf.String(), "msg=shown")
	require.NotContains(t, buf.String(), "hidden")
}
