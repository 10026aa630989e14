package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// requestIDContextKey is the private context key used to store the ops
// request_id so handlers and probes can correlate their logs.
type requestIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithJob attaches a job-scoped logger so every log line emitted while
// processing carries the job id and family.
func ContextWithJob(ctx context.Context, family, jobID string) context.Context {
	lg := LoggerFromContext(ctx).With(
		slog.String("job_family", family),
		slog.String("job_id", jobID),
	)
	return ContextWithLogger(ctx, lg)
}

// ContextWithRequestID stores a non-empty request_id in the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request_id from the context, or an empty
// string when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}
