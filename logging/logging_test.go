package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"", LevelInfo},
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.NotEmpty(t, got.String())
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONLoggerAddsService(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, JSON: true, Service: "ablate", Output: &buf})

	logger.With("layer", 3).Info("layer modified", "strength", 0.5)
	logger.Debug("filtered")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ablate", record["service"])
	assert.Equal(t, "layer modified", record["msg"])
	assert.EqualValues(t, 3, record["layer"])
	assert.Equal(t, LevelInfo, logger.Level())
}

func TestTextLoggerFiltersLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "key=value")
	assert.NotNil(t, logger.Slog())
}
