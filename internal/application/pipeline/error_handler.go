package pipeline

import (
	"context"
	"log/slog"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// ErrorHandler observes job errors and panics for telemetry/alerting.
// Allows custom integration with error tracking services (Sentry, Datadog, etc.).
// Routing is decided by the error's class, not by the handler: these are
// hooks, not policy.
type ErrorHandler interface {
	// HandleError is called when a job returns an error, before the worker
	// routes it (retry, counter record, or failure registry).
	HandleError(ctx context.Context, job *domain.Job, err error)

	// HandlePanic is called when a job panics. Includes panic value and
	// stack trace. Panicked jobs always enter the failure registry.
	HandlePanic(ctx context.Context, job *domain.Job, panicVal any, stackTrace string)
}

// DefaultErrorHandler logs errors and panics with structured logging.
type DefaultErrorHandler struct{}

func (h *DefaultErrorHandler) HandleError(ctx context.Context, job *domain.Job, err error) {
	slog.LogAttrs(ctx, slog.LevelError, "job failed",
		logfields.JobID(job.ID),
		logfields.Queue(job.Queue),
		logfields.FuncName(job.FuncName),
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		logfields.RetryCount(job.RetryCount),
		logfields.Fingerprint(domain.Fingerprint(err.Error())),
		logfields.Error(err),
		slog.Bool("retryable", domain.IsTransient(err)),
	)
}

func (h *DefaultErrorHandler) HandlePanic(ctx context.Context, job *domain.Job, panicVal any, stackTrace string) {
	slog.LogAttrs(ctx, slog.LevelError, "job panicked",
		logfields.JobID(job.ID),
		logfields.Queue(job.Queue),
		logfields.FuncName(job.FuncName),
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		slog.Any("panic_value", panicVal),
		slog.String("stack_trace", stackTrace),
	)
}
