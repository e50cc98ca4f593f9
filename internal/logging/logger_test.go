package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production", "info")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development", "info")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", handler)
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger("staging", "info")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "unknown env logger should use TextHandler, got %T", handler)
}

func TestNewLogger_Levels(t *testing.T) {
	logger := NewLogger("production", "info")
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelDebug))

	logger = NewLogger("development", "debug")
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelDebug))

	logger = NewLogger("development", "warn")
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelWarn))
}

func TestParseLevel_UnknownDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
}
