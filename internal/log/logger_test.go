package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

func newBufferLogger(t *testing.T, level Level) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = level
	return New(cfg), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
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

func TestFromStrings(t *testing.T) {
	cfg, err := FromStrings("warn", "text", nil)
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "foundry", cfg.ServiceName)

	_, err = FromStrings("info", "xml", nil)
	assert.Error(t, err)
}

func TestLoggerAddsServiceAndJobFields(t *testing.T) {
	logger, buf := newBufferLogger(t, LevelInfo)

	logger.ForPhase("job-1", "DESIGN").Info("phase started", "step", "draft")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "foundry", lines[0]["service"])
	assert.Equal(t, "job-1", lines[0]["job_id"])
	assert.Equal(t, "DESIGN", lines[0]["phase"])
	assert.Equal(t, "draft", lines[0]["step"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.False(t, logger.Enabled(context.Background(), LevelInfo))
}

func TestWithErrorCodedError(t *testing.T) {
	logger, buf := newBufferLogger(t, LevelInfo)
	err := fmt.Errorf("claim: %w", errors.NewJobNotFound("j9"))

	logger.WithError(err).Error("claim failed")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "JOB-003", lines[0]["error_code"])
	assert.Contains(t, lines[0]["error"], "j9")
	assert.NotNil(t, lines[0]["suggestions"])
}

func TestWithErrorPlainAndNil(t *testing.T) {
	logger, buf := newBufferLogger(t, LevelInfo)

	assert.Same(t, logger, logger.WithError(nil))
	logger.WithError(fmt.Errorf("boom")).Warn("oops")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Nil(t, lines[0]["error_code"])
}

func TestGlobalLogger(t *testing.T) {
	original := L()
	t.Cleanup(func() { SetDefault(original) })

	replacement := Nop()
	SetDefault(replacement)
	assert.Same(t, replacement, L())
}
