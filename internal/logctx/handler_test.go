package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func validSpanContext(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
}

func TestContextHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).InfoContext(context.Background(), "hello", "key", "value")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "task_id")
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestContextHandler_SpanAndTask(t *testing.T) {
	var buf bytes.Buffer

	ctx := trace.ContextWithSpanContext(context.Background(), validSpanContext(t))
	ctx = WithTaskID(ctx, 42)

	newTestLogger(&buf).InfoContext(ctx, "downloading")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.EqualValues(t, 42, entry["task_id"])
}

func TestContextHandler_Enabled(t *testing.T) {
	h := NewContextHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestContextHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewContextHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := base.WithAttrs([]slog.Attr{slog.String("component", "engine")})
	require.IsType(t, &ContextHandler{}, withAttrs)

	grouped := withAttrs.WithGroup("file")
	require.IsType(t, &ContextHandler{}, grouped)

	slog.New(grouped).InfoContext(context.Background(), "written", "bytes", 10)

	entry := decode(t, &buf)
	assert.Equal(t, "engine", entry["component"])
	assert.Contains(t, entry, "file")
}

func TestNewContextHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewContextHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))

	_, ok := TaskIDFromContext(context.Background())
	assert.False(t, ok)
}
