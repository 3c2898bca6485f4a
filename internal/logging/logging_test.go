package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rs/zerolog"
)

func TestNew_LevelHierarchy(t *testing.T) {
	levels := []struct {
		level    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}
	for _, tc := range levels {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tc.level, Pretty: false, Output: &buf})
			assert.Equal(t, tc.expected, logger.GetLevel())
		})
	}
}

func TestNew_WarnLevelSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Pretty: false, Output: &buf})

	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")

	output := buf.String()
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
}

func TestNewWithComponent_AddsComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Pretty: false, Output: &buf}, "dispatcher")

	logger.Info().Msg("started")

	output := buf.String()
	assert.Contains(t, output, "dispatcher")
	assert.Contains(t, output, "started")
}

func TestNew_PrettyOutputStillContainsMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})

	logger.Info().Msg("test message")

	assert.Contains(t, buf.String(), "test message")
}

func TestNew_NilOutputDoesNotPanic(t *testing.T) {
	logger := New(Config{Level: "info", Pretty: false, Output: nil})
	assert.NotPanics(t, func() { logger.Info().Msg("test message") })
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Pretty)
}
