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

func TestNew(t *testing.T) {
	t.Run("json output to writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "debug", Format: "json", Output: &buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Debug().Str("agent", "sales_agent").Msg("hello")
		assert.Contains(t, buf.String(), `"agent":"sales_agent"`)
		assert.Contains(t, buf.String(), `"message":"hello"`)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "chatty", Format: "json", Output: &buf})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
		logger.Debug().Msg("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "banca.log")

		logger, err := New(Config{Level: "info", File: logFile, MaxSizeMB: 1})
		require.NoError(t, err)

		logger.Info().Msg("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "test message")
	})

	t.Run("redaction", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Format: "json", Output: &buf, Redaction: true})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Str("api_key", "sk-test123456789abcdefghijklmnop").Msg("configured")
		assert.NotContains(t, buf.String(), "sk-test123456789")
		assert.Contains(t, buf.String(), "[REDACTED]")
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "json", Output: &buf})
	require.NoError(t, err)

	component := logger.Component("graph")
	component.Info().Msg("ready")
	assert.Contains(t, buf.String(), `"component":"graph"`)
}
