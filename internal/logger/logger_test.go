package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobalLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })
}

func TestParseLevel(t *testing.T) {
	t.Run("should accept known levels", func(t *testing.T) {
		for input, want := range map[string]zerolog.Level{
			"debug": zerolog.DebugLevel,
			"":      zerolog.InfoLevel,
			"INFO":  zerolog.InfoLevel,
			"warn":  zerolog.WarnLevel,
			"error": zerolog.ErrorLevel,
		} {
			got, err := ParseLevel(input)
			require.NoError(t, err, input)
			assert.Equal(t, want, got, input)
		}
	})

	t.Run("should reject unknown levels", func(t *testing.T) {
		_, err := ParseLevel("verbose")
		assert.EqualError(t, err, "invalid log level: verbose")
	})
}

func TestNew(t *testing.T) {
	t.Run("should write json to the console writer", func(t *testing.T) {
		resetGlobalLevel(t)
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Out: &buf})
		require.NoError(t, err)
		defer l.Close()

		zl := l.Zerolog()
		zl.Info().Str("session_id", "s1").Msg("hello")
		zl.Debug().Msg("hidden")

		assert.Contains(t, buf.String(), `"session_id":"s1"`)
		assert.Contains(t, buf.String(), `"message":"hello"`)
		assert.NotContains(t, buf.String(), "hidden")
	})

	t.Run("should write to a file", func(t *testing.T) {
		resetGlobalLevel(t)
		logFile := filepath.Join(t.TempDir(), "logs", "ranyadesk.log")
		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Debug().Msg("to file")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "to file")
	})

	t.Run("should redact secrets", func(t *testing.T) {
		resetGlobalLevel(t)
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Out: &buf, Redaction: true})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Str("shared_secret", "hunter2").Msg("starting")

		assert.NotContains(t, buf.String(), "hunter2")
		assert.Contains(t, buf.String(), `"shared_secret":"[REDACTED]"`)
	})

	t.Run("should reject invalid levels", func(t *testing.T) {
		_, err := New(Config{Level: "loud"})
		assert.Error(t, err)
	})
}

func TestSetLevel(t *testing.T) {
	resetGlobalLevel(t)
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Console: true, Out: &buf})
	require.NoError(t, err)
	child := l.Zerolog().With().Str("component", "test").Logger()

	child.Info().Msg("before")
	require.NoError(t, l.SetLevel("debug"))
	child.Debug().Msg("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Error(t, l.SetLevel("chatty"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}
