// Package janitor schedules housekeeping for the durable queue: a
// cron-driven retention sweep that deletes old terminal job records and
// abandoned zombies.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Sweeper is the slice of the durable queue the janitor drives.
type Sweeper interface {
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

// Janitor runs the retention sweep on a cron schedule.
type Janitor struct {
	sweeper   Sweeper
	logger    *slog.Logger
	schedule  string
	retention time.Duration

	cron *cronlib.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithSchedule sets the cron expression. Standard 5-field syntax and
// descriptors like "@every 1h" are accepted.
func WithSchedule(expr string) Option {
	return func(j *Janitor) { j.schedule = expr }
}

// WithRetention sets how long terminal job records are kept.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) { j.retention = d }
}

// New creates a Janitor sweeping through the given queue.
func New(sweeper Sweeper, logger *slog.Logger, opts ...Option) *Janitor {
	j := &Janitor{
		sweeper:   sweeper,
		logger:    logger,
		schedule:  "@every 1h",
		retention: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Sweep runs one retention pass immediately.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	return j.sweeper.Cleanup(ctx, j.retention)
}

// Start registers the sweep with the cron runner and starts it.
func (j *Janitor) Start(_ context.Context) error {
	j.cron = cronlib.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		n, sweepErr := j.Sweep(context.Background())
		if sweepErr != nil {
			j.logger.Error("retention sweep failed", slog.String("error", sweepErr.Error()))
			return
		}
		if n > 0 {
			j.logger.Info("retention sweep complete", slog.Int("purged", n))
		}
	})
	if err != nil {
		return fmt.Errorf("backbeat/janitor: bad schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for an in-flight sweep to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
