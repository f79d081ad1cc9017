package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)

	componentLogger := Component(logger, "consumer")
	componentLogger.Info().Str("tenant", "acme").Msg("Event processed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "consumer", line["component"])
	assert.Equal(t, "acme", line["tenant"])
	assert.Equal(t, "Event processed", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("", "console", &buf)
	require.NoError(t, err)

	logger.Info().Msg("Consumer started")
	assert.Contains(t, buf.String(), "Consumer started")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("chatty", "json", nil)
	assert.Error(t, err)
}
