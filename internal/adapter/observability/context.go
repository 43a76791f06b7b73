package observability

import (
	"context"
	"log/slog"
)

type loggerContextKey struct{}

// jobIDContextKey carries the job_id so the dispatcher, executor and upstream
// adapters can correlate their logs with the submitted job.
type jobIDContextKey struct{}

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
	if lg, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}

// ContextWithJobID stores a non-empty job_id in the context and enriches the
// context logger with it.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	if ctx == nil || jobID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, jobIDContextKey{}, jobID)
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With(slog.String("job_id", jobID)))
}

// JobIDFromContext retrieves the job_id from the context, or "" when absent.
func JobIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(jobIDContextKey{}).(string); ok {
		return id
	}
	return ""
}
