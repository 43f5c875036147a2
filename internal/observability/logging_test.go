package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/internal/config"
)

func TestNewLoggerTo(t *testing.T) {
	t.Run("writes JSON by default", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LoggingConfig{Level: config.LogLevelInfo, Format: "xml"})
		l.Info("hello", "k", "v")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "hello", line["msg"])
		assert.Equal(t, "reqshield", line["service"])
		assert.Equal(t, "v", line["k"])
	})

	t.Run("writes text when asked", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LoggingConfig{Format: config.LogFormatText})
		l.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("filters below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LoggingConfig{Level: config.LogLevelWarn})
		l.Info("dropped")
		assert.Empty(t, buf.String())
		l.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}
