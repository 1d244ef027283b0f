package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"Warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_DropsEmptyStringsAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo, false)

	log.Debug("hidden")
	log.Info("claim paid", "caller", "abc", "ref", "")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "claim paid")
	assert.Contains(t, out, "caller=abc")
	assert.NotContains(t, out, "ref=")
}

func TestFormatRFC3339Millis(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 123_456_789, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-05-06T06:08:09.123Z", formatRFC3339Millis(ts))
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lpclaimd.log")
	log, closer, err := Open("debug", path)
	require.NoError(t, err)
	log.Debug("to file", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.NotContains(t, string(data), "\x1b[", "file output is uncolored")
}

func TestOpen_BadLevel(t *testing.T) {
	_, _, err := Open("loud", "")
	assert.Error(t, err)
}
