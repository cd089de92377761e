package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &m))
	return m
}

func TestZerologLogger(t *testing.T) {
	t.Run("adds service and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "volserve", zerolog.DebugLevel)

		l.Info("session started", Field{Key: "session_id", Value: 7})

		m := decodeLine(t, buf.Bytes())
		assert.Equal(t, "volserve", m["service"])
		assert.Equal(t, "session started", m["message"])
		assert.Equal(t, float64(7), m["session_id"])
		assert.Equal(t, "info", m["level"])
		assert.Contains(t, m, "time")
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "volserve", zerolog.WarnLevel)

		l.Debug("hidden")
		l.Info("hidden")
		assert.Zero(t, buf.Len())

		l.Warn("shown")
		assert.NotZero(t, buf.Len())
	})

	t.Run("with derives without mutating parent", func(t *testing.T) {
		var buf bytes.Buffer
		parent := NewZerologLogger(zerolog.New(&buf), "volserve", zerolog.InfoLevel)
		child := parent.With(Field{Key: "peer", Value: "127.0.0.1:1"})

		child.Error("boom")
		m := decodeLine(t, buf.Bytes())
		assert.Equal(t, "127.0.0.1:1", m["peer"])

		buf.Reset()
		parent.Error("boom")
		m = decodeLine(t, buf.Bytes())
		assert.NotContains(t, m, "peer")
	})

	t.Run("instance is zerolog", func(t *testing.T) {
		l := NewZerologLogger(zerolog.Nop(), "volserve", zerolog.InfoLevel)
		_, ok := l.GetLoggerInstance().(zerolog.Logger)
		assert.True(t, ok)
		assert.NoError(t, l.Close())
	})
}

func TestZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	l, err := NewZerologFileLogger("volserve", FileOptions{Dir: dir, MaxSizeMB: 1}, zerolog.InfoLevel)
	require.NoError(t, err)

	l.Info("written to file")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "volserve.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("ignored")
	l.With(Field{Key: "k", Value: 1}).Error("ignored")
	assert.NoError(t, l.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"loud", zerolog.NoLevel, true},
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
