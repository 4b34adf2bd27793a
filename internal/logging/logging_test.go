package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{"INFO", zerolog.InfoLevel, true},
		{"", zerolog.InfoLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"error", zerolog.ErrorLevel, true},
		{"trace", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "warn", Format: FormatJSON, Output: &buf})

	log.Info().Msg("dropped")
	log.Warn().Str("stage", "sink").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "info is below the configured level")

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "warn", ev["level"])
	assert.Equal(t, "dataplane", ev["service"])
	assert.Equal(t, "sink", ev["stage"])
	assert.Equal(t, "kept", ev["message"])
	assert.Contains(t, ev, "time")
	assert.Contains(t, ev, "caller")
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "debug", Format: FormatPretty, Output: &buf})
	log.Debug().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "pretty output is not JSON")
}
