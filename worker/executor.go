// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool of
// concurrent workers pulling from the in-memory queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bozzfozz/backbeat/job"
	"github.com/bozzfozz/backbeat/middleware"
)

// JobQueue is the slice of the durable queue the executor needs: the
// persisted outcome transitions. The durable queue owns the retry /
// terminal-failure decision.
type JobQueue interface {
	Complete(ctx context.Context, j *job.Job, result []byte) error
	Fail(ctx context.Context, j *job.Job, jobErr error) error
}

// Executor runs a single claimed job through middleware and the
// registered handler, then records the outcome on the durable queue.
type Executor struct {
	registry *job.Registry
	queue    JobQueue
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	queue JobQueue,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		queue:    queue,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a claimed job. On handler success the job completes with
// its result; on handler error the durable queue decides between retry,
// cancellation and terminal failure. The returned error is the handler
// error (or a persistence error), for the pool's logging only.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		err := fmt.Errorf("no handler registered for job %q", j.Name)
		if failErr := e.queue.Fail(ctx, j, err); failErr != nil {
			return failErr
		}
		return err
	}

	start := time.Now()
	var result []byte

	terminal := func(ctx context.Context) error {
		out, handlerErr := handler(ctx, j.Payload)
		if handlerErr != nil {
			return handlerErr
		}
		result = out
		return nil
	}

	err := e.mw(ctx, j, terminal)

	if err != nil {
		if failErr := e.queue.Fail(ctx, j, err); failErr != nil {
			return failErr
		}
		return err
	}

	if completeErr := e.queue.Complete(ctx, j, result); completeErr != nil {
		return completeErr
	}

	e.logger.Debug("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
