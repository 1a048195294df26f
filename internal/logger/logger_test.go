package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/shelfsync/shelfsync/internal/ctxutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)

	log.Info("engine started", "workers", 4)

	m := parseLine(t, buf.String())
	assert.Equal(t, "engine started", m["message"])
	assert.Equal(t, "info", m["level"])
	assert.Contains(t, m, "timestamp")
	assert.EqualValues(t, 4, m["workers"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)

	log.Info("should not appear")
	log.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")

	m := parseLine(t, out)
	assert.Equal(t, "warning", m["level"])
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("debug", &buf)

	ctx := ctxutil.WithItemID(context.Background(), 42)
	ctx = ctxutil.WithStage(ctx, "download")
	ctx = ctxutil.WithTaskID(ctx, 7)

	log.InfoContext(ctx, "transfer complete")

	m := parseLine(t, buf.String())
	assert.EqualValues(t, 42, m["item_id"])
	assert.Equal(t, "download", m["stage"])
	assert.EqualValues(t, 7, m["task_id"])
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf).WithComponent("scheduler")

	log.Info("tick")

	m := parseLine(t, buf.String())
	assert.Equal(t, "scheduler", m["component"])
}

func TestLoggerVersionField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions("info", &buf, Options{Version: "1.2.3"})

	log.Info("hello")

	m := parseLine(t, buf.String())
	assert.Equal(t, "1.2.3", m["version"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("anything"))
}

func TestFanoutHandlerDeliversToAll(t *testing.T) {
	var a, b bytes.Buffer
	fan := newFanoutHandler(
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	)
	log := slog.New(fan)

	log.Info("both sinks")

	assert.True(t, strings.Contains(a.String(), "both sinks"))
	assert.True(t, strings.Contains(b.String(), "both sinks"))
}

func TestAsyncHandlerDrainsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	async := newAsyncHandler(slog.NewJSONHandler(&buf, nil), 8)
	log := slog.New(async)

	log.Info("queued line")

	require.NoError(t, async.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "queued line")

	// Records after shutdown are silently dropped.
	require.NoError(t, async.Handle(context.Background(), slog.Record{}))
}
