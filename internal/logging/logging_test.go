package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/config"
)

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger := Component(root, "matcher")
	logger.Info().Str("room", "r1").Msg("paired")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "matcher", line["component"])
	assert.Equal(t, "r1", line["room"])
	assert.Equal(t, "paired", line["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	root.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	root.Warn().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(config.LoggingConfig{Level: "chatty", Format: "json"}, &buf)

	root.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	root.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
