package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(level Level) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return New(Options{Output: buf, Level: level, Format: "json"}), buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogger_JSONFields(t *testing.T) {
	log, buf := newBuffered(LevelDebug)

	log.With(Component("submit_solution")).Info("contribution scored",
		UserID("u1"),
		ContributionID("c1"),
		Points(40),
		Float64("quality", 0.8),
		Latency(1500*time.Millisecond),
		Err(errors.New("boom")),
		Err(nil),
	)

	entries := lines(t, buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "contribution scored", e["message"])
	assert.Equal(t, "submit_solution", e["component"])
	assert.Equal(t, "u1", e["user_id"])
	assert.Equal(t, "c1", e["contribution_id"])
	assert.Equal(t, float64(40), e["points"])
	assert.Equal(t, 0.8, e["quality"])
	assert.Equal(t, 1.5, e["latency"])
	assert.Equal(t, "boom", e["error"])
	assert.Contains(t, e, "timestamp")
}

func TestLogger_LevelFilter(t *testing.T) {
	log, buf := newBuffered(LevelWarn)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	log.Error("shown 2")

	entries := lines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "shown 2", entries[1]["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, "FATAL", LevelFatal.String())
}

func TestContext(t *testing.T) {
	log, buf := newBuffered(LevelInfo)
	ctx := WithContext(context.Background(), log.WithRequestID("req-1"))

	FromContext(ctx).Info("from context")
	FromContextOr(context.Background(), log).Info("fallback")

	entries := lines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0][RequestIDKey])
	assert.NotContains(t, entries[1], RequestIDKey)
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error("discarded", String("k", "v"))
	assert.Equal(t, LevelFatal, log.Level())
}
