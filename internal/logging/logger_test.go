package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	return &buf
}

func TestFromContext_RequestID(t *testing.T) {
	buf := captureDefault(t)

	var ctx context.Context
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, ctx)

	WithFields(ctx, "import_id", "abc").Info("import started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, middleware.GetReqID(ctx), entry["request_id"])
	assert.Equal(t, "abc", entry["import_id"])
}

func TestFromContext_NoRequestID(t *testing.T) {
	buf := captureDefault(t)

	FromContext(context.Background()).Info("job finished")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "request_id")
}

func TestContextWith_FieldsFollowContext(t *testing.T) {
	buf := captureDefault(t)

	ctx := ContextWith(context.Background(), "user_id", "u1")
	ctx = ContextWith(ctx, "import_id", "i1", "account_id", "a1")
	FromContext(ctx).Info("row imported")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "i1", entry["import_id"])
	assert.Equal(t, "a1", entry["account_id"])
}

func TestContextWith_ReplacesKey(t *testing.T) {
	ctx := ContextWith(context.Background(), "account_id", "a1", "user_id", "u1")
	ctx = ContextWith(ctx, "account_id", "a2")

	assert.Equal(t, []any{"user_id", "u1", "account_id", "a2"}, Fields(ctx))
}

func TestFields_CarryRequestIDToJobs(t *testing.T) {
	var reqCtx context.Context
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCtx = ContextWith(r.Context(), "user_id", "u1")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.NotNil(t, reqCtx)

	// A job runs on a fresh context and only has the copied fields.
	buf := captureDefault(t)
	jobCtx := ContextWith(context.Background(), Fields(reqCtx)...)
	FromContext(jobCtx).Info("job started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, middleware.GetReqID(reqCtx), entry["request_id"])
	assert.Equal(t, "u1", entry["user_id"])
}
