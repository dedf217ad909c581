package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	called := false
	err := tel.InstrumentTask(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	assert.ErrorIs(t, tel.InstrumentDBOperation(context.Background(), "put", func(context.Context) error { return boom }), boom)
	assert.ErrorIs(t, tel.InstrumentClientOperation(context.Background(), "http", "fetch", func(context.Context) error { return boom }), boom)

	tel.RecordTask("COMPLETED", "", 0)
	tel.RecordFile("IMAGE", "success", 10)
	tel.RecordAdmission("accepted")
	tel.RecordSystemError("engine", "panic")
	require.NoError(t, tel.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	err = tel.InstrumentOperation(context.Background(), "op", "test", func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestNew_EnabledServesMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "postdl-test"})
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	tel.RecordAdmission("accepted")
	tel.RecordFile("IMAGE", "success", 2048)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)

	t.Run("no log exporter keeps base handler", func(t *testing.T) {
		var nilTel *Telemetry
		assert.Same(t, base, nilTel.LogHandler(base))

		tel, err := New(context.Background(), Config{Enabled: false})
		require.NoError(t, err)
		assert.Same(t, base, tel.LogHandler(base))
	})

	t.Run("log exporter fans out", func(t *testing.T) {
		lp := sdklog.NewLoggerProvider()
		t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })

		tel := &Telemetry{loggerProvider: lp, serviceName: "postdl-test"}
		h := tel.LogHandler(base)
		assert.NotSame(t, base, h)

		slog.New(h).Info("fanned out", "k", "v")
		assert.Contains(t, buf.String(), `"msg":"fanned out"`)
	})
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		201: "2xx",
		304: "3xx",
		404: "4xx",
		409: "4xx",
		503: "5xx",
		100: "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code), "code %d", code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestHTTPLogging_Levels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusConflict, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.EqualValues(t, tt.status, entry["status"])
			assert.Equal(t, "/v1/tasks", entry["path"])
		})
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "postdl-test"})
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)

	var route string
	r.Get("/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		route = routePattern(r)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/12", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/v1/tasks/{id}", route)
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrapResponseWriter(rec)

	_, err := rw.Write([]byte("data: {}\n\n"))
	require.NoError(t, err)
	rw.Flush()

	assert.True(t, rec.Flushed)
	assert.Equal(t, int64(10), rw.bytesWritten)
	assert.Same(t, rw, wrapResponseWriter(rw))
}
