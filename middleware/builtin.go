package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bozzfozz/backbeat/job"
)

// Recover catches panics in job handlers and converts them to errors so
// a panicking handler follows the normal retry path instead of taking
// the worker goroutine down.
func Recover() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %q panicked: %v\n%s", j.Name, r, debug.Stack())
			}
		}()
		return next(ctx)
	}
}

// Logging logs each execution with job identity, duration, and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.String("queue", j.Queue),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}

		logger.Debug("job executed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("queue", j.Queue),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}

// Timeout cancels the job context after the job's configured Timeout.
// Jobs without a timeout run unbounded.
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()
		return next(ctx)
	}
}

// Tracing wraps execution in an OpenTelemetry span. Pass a nil provider
// to use the global one.
func Tracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer("github.com/bozzfozz/backbeat")

	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "backbeat.job "+j.Name,
			trace.WithAttributes(
				attribute.String("backbeat.job.id", j.ID.String()),
				attribute.String("backbeat.job.name", j.Name),
				attribute.String("backbeat.job.queue", j.Queue),
				attribute.Int("backbeat.job.retry_count", j.RetryCount),
			),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
