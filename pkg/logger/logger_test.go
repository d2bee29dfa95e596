package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning alias", input: "WARNING", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "empty falls back", input: "", want: slog.LevelInfo},
		{name: "unknown falls back", input: "loud", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestLogAccessJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(LoggerConfig{Level: "info", Format: "json", Output: &buf})

	l.LogAccess(AccessRecord{
		ConnectionID: "c1",
		Method:       "GET",
		URI:          "http://example/foo",
		Status:       "200",
		Size:         5,
		Duration:     1500 * time.Millisecond,
		CacheStatus:  "MISS",
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "access", rec["msg"])
	assert.Equal(t, "GET", rec["method"])
	assert.Equal(t, "MISS", rec["cache"])
	assert.Equal(t, float64(1500), rec["duration_ms"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(LoggerConfig{Level: "warn", Output: &buf})

	l.LogUpstreamAttempt("GET", "/", "example:80", 1, 5)
	assert.Empty(t, buf.String())

	l.Component("connpool").Warn("pool full")
	assert.Contains(t, buf.String(), "component=connpool")
}
