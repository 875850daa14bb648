// Package logging configures log/slog and carries per-request log fields
// through context.
//
// Fields attached with ContextWith (the caller's user id, the account and
// import a run is writing) follow the context into the importer, the ledger
// and background jobs, so every line a request or job produces can be
// filtered by them.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Setup configures the global slog logger. Level is one of debug, info, warn
// or error; format "json" selects the JSON handler, anything else text.
func Setup(level, format string) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type fieldsKey struct{}

// ContextWith returns a copy of ctx whose loggers also carry args, as
// key/value pairs. A key already attached is replaced, not repeated.
func ContextWith(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(fieldsKey{}).([]any)
	fields := make([]any, 0, len(prev)+len(args))
	for i := 0; i+1 < len(prev); i += 2 {
		if !hasKey(args, prev[i]) {
			fields = append(fields, prev[i], prev[i+1])
		}
	}
	fields = append(fields, args...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

func hasKey(args []any, key any) bool {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return true
		}
	}
	return false
}

// Fields returns what FromContext would attach: the chi request id and the
// fields added with ContextWith. Background jobs copy them onto their own
// context so the run logs like the request that queued it.
func Fields(ctx context.Context) []any {
	fields, _ := ctx.Value(fieldsKey{}).([]any)
	out := make([]any, 0, len(fields)+2)
	if reqID := middleware.GetReqID(ctx); reqID != "" && !hasKey(fields, "request_id") {
		out = append(out, "request_id", reqID)
	}
	return append(out, fields...)
}

// FromContext returns the default logger with the request id and the
// context's fields attached.
//
//	ctx = logging.ContextWith(ctx, "import_id", importID, "account_id", accountID)
//	logging.FromContext(ctx).Info("import started", "rows", n)
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if fields := Fields(ctx); len(fields) > 0 {
		logger = logger.With(fields...)
	}
	return logger
}

// WithFields is FromContext plus args, for fields that should not travel
// further down the call chain.
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
