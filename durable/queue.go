package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/backoff"
	"github.com/bozzfozz/backbeat/ext"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
	"github.com/bozzfozz/backbeat/queue"
)

// redeliverBatch caps how many due jobs one redeliver tick admits.
const redeliverBatch = 100

// Queue is the durable job queue: a job store as the source of truth
// with an in-memory priority queue in front of it for dispatch.
type Queue struct {
	store      job.Store
	mem        *queue.Memory
	backoff    backoff.Strategy
	logger     *slog.Logger
	extensions *ext.Registry

	queues            []string
	exclude           []string
	redeliverInterval time.Duration
	sweepInterval     time.Duration
	lockTimeout       time.Duration
	abandonAfter      time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the retry backoff strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithExtensions sets the extension registry for lifecycle hooks.
func WithExtensions(r *ext.Registry) Option {
	return func(q *Queue) { q.extensions = r }
}

// WithQueues sets the queue names served by redelivery and recovery.
func WithQueues(queues []string) Option {
	return func(q *Queue) { q.queues = queues }
}

// WithRedeliverInterval sets how often due retrying jobs are re-admitted
// to the in-memory queue.
func WithRedeliverInterval(d time.Duration) Option {
	return func(q *Queue) { q.redeliverInterval = d }
}

// WithLockTimeout sets the staleness threshold for worker locks.
func WithLockTimeout(d time.Duration) Option {
	return func(q *Queue) { q.lockTimeout = d }
}

// WithSweepInterval sets how often the running stale-lock sweep fires.
func WithSweepInterval(d time.Duration) Option {
	return func(q *Queue) { q.sweepInterval = d }
}

// WithAbandonAfter sets the age past which a pending job is treated as a
// zombie and cancelled by recovery/housekeeping.
func WithAbandonAfter(d time.Duration) Option {
	return func(q *Queue) { q.abandonAfter = d }
}

// New creates a durable queue over the given store and in-memory queue.
func New(store job.Store, mem *queue.Memory, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:             store,
		mem:               mem,
		backoff:           backoff.DefaultStrategy(),
		logger:            logger,
		queues:            []string{"default"},
		redeliverInterval: time.Second,
		sweepInterval:     time.Minute,
		lockTimeout:       5 * time.Minute,
		abandonAfter:      24 * time.Hour,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Memory exposes the in-memory queue for the worker pool.
func (q *Queue) Memory() *queue.Memory { return q.mem }

// Enqueue persists the job first, then admits it to the in-memory
// queue. If persistence fails nothing is queued and the error is
// returned; no in-memory job may exist without a durable counterpart.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	j.State = job.StatePending
	now := time.Now().UTC()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.Touch()

	if err := q.store.EnqueueJob(ctx, j); err != nil {
		return fmt.Errorf("backbeat/durable: enqueue %s: %w", j.Name, err)
	}

	// Jobs scheduled for the future reach memory via the redeliver loop.
	if !j.RunAt.After(now) {
		if err := q.mem.Push(j); err != nil && !errors.Is(err, backbeat.ErrQueueClosed) {
			return err
		}
	}

	if q.extensions != nil {
		q.extensions.EmitJobEnqueued(ctx, j)
	}
	q.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("queue", j.Queue),
		slog.Int("priority", j.Priority),
	)
	return nil
}

// Recover restores the durable state at startup, before any worker
// begins pulling. It cancels long-abandoned pending jobs, reclaims
// stale locks left by crashed workers, and loads all due jobs into the
// in-memory queue in priority order, skipping the excluded job names.
// The exclusions stick: the redeliver loop keeps skipping them for the
// life of this queue, so another subsystem can own those job types.
// It returns how many jobs were loaded and how many stale locks were
// reclaimed. Safe to run repeatedly; a second pass with no new jobs is
// a no-op.
func (q *Queue) Recover(ctx context.Context, exclude ...string) (recovered, reclaimed int, err error) {
	if len(exclude) > 0 {
		q.exclude = exclude
	}
	cancelled, err := q.store.CancelAbandonedJobs(ctx, q.abandonAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("backbeat/durable: cancel abandoned: %w", err)
	}

	reclaimed, err = q.store.ResetStaleJobs(ctx, q.lockTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("backbeat/durable: reset stale locks: %w", err)
	}

	due, err := q.store.ListDueJobs(ctx, q.queues, exclude, 0)
	if err != nil {
		return 0, reclaimed, fmt.Errorf("backbeat/durable: list due jobs: %w", err)
	}
	for _, j := range due {
		if q.mem.Contains(j.ID) {
			continue
		}
		if pushErr := q.mem.Push(j); pushErr != nil {
			return recovered, reclaimed, pushErr
		}
		recovered++
	}

	q.logger.Info("durable queue recovered",
		slog.Int("loaded", recovered),
		slog.Int("stale_reclaimed", reclaimed),
		slog.Int("abandoned_cancelled", cancelled),
	)
	return recovered, reclaimed, nil
}

// Complete marks a running job as completed, stores its result and
// clears the lock. Persistence errors propagate to the caller so the
// in-memory and durable views cannot silently diverge.
func (q *Queue) Complete(ctx context.Context, j *job.Job, result []byte) error {
	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.CompletedAt = &now
	j.ClearLock()
	j.Touch()

	if err := q.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("backbeat/durable: complete %s: %w", j.ID, err)
	}

	if q.extensions != nil {
		q.extensions.EmitJobCompleted(ctx, j, elapsed(j, now))
	}
	return nil
}

// Fail records a handler failure. If cancellation was requested while
// the job ran it becomes cancelled; if retries remain it is scheduled
// for retry with exponential backoff, persisting the next run time so a
// restart does not re-run a job mid-backoff; otherwise it is
// terminally failed.
func (q *Queue) Fail(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	j.RetryCount++
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}
	j.ClearLock()
	j.Touch()

	switch {
	case j.CancelRequested:
		j.State = job.StateCancelled
		j.Note = "cancelled while running; retries suppressed"
		j.CompletedAt = &now

	case j.RetryCount < j.MaxRetries:
		j.State = job.StateRetrying
		j.RunAt = now.Add(q.backoff.Delay(j.RetryCount))

	default:
		j.State = job.StateFailed
		j.CompletedAt = &now
	}

	if err := q.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("backbeat/durable: fail %s: %w", j.ID, err)
	}

	switch j.State {
	case job.StateCancelled:
		if q.extensions != nil {
			q.extensions.EmitJobCancelled(ctx, j)
		}
	case job.StateRetrying:
		q.logger.Warn("job failed, retry scheduled",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("retry_count", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries),
			slog.Time("next_run_at", j.RunAt),
			slog.String("error", j.LastError),
		)
		if q.extensions != nil {
			q.extensions.EmitJobRetrying(ctx, j, j.RetryCount, j.RunAt)
		}
	default:
		q.logger.Error("job failed terminally",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("retry_count", j.RetryCount),
			slog.String("error", j.LastError),
		)
		if q.extensions != nil {
			q.extensions.EmitJobFailed(ctx, j, jobErr)
		}
	}
	return nil
}

// Cancel cancels a pending or retrying job outright, removing it from
// the in-memory queue. A running job is not preempted: cancellation is
// recorded on the record and only suppresses future retries, and Cancel
// reports false. Terminal jobs cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch j.State {
	case job.StatePending, job.StateRetrying:
		now := time.Now().UTC()
		j.State = job.StateCancelled
		j.Note = "cancelled by request"
		j.CompletedAt = &now
		j.Touch()
		if err := q.store.UpdateJob(ctx, j); err != nil {
			return false, fmt.Errorf("backbeat/durable: cancel %s: %w", jobID, err)
		}
		q.mem.Remove(jobID)
		if q.extensions != nil {
			q.extensions.EmitJobCancelled(ctx, j)
		}
		return true, nil

	case job.StateRunning:
		j.CancelRequested = true
		j.Touch()
		if err := q.store.UpdateJob(ctx, j); err != nil {
			return false, fmt.Errorf("backbeat/durable: cancel %s: %w", jobID, err)
		}
		return false, nil

	default:
		return false, fmt.Errorf("backbeat/durable: cancel %s in state %s: %w",
			jobID, j.State, backbeat.ErrNotCancellable)
	}
}

// Cleanup deletes terminal records older than retention plus abandoned
// pending records, mirroring the startup sweep.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	n, err := q.store.PurgeJobs(ctx, retention, q.abandonAfter)
	if err != nil {
		return 0, fmt.Errorf("backbeat/durable: purge jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("retention sweep removed jobs", slog.Int("purged", n))
	}
	return n, nil
}

// Start launches the redeliver and stale-lock sweep loops.
func (q *Queue) Start(_ context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.running {
		return nil
	}
	q.running = true

	q.wg.Add(1)
	go q.redeliverLoop()
	if q.sweepInterval > 0 {
		q.wg.Add(1)
		go q.sweepLoop()
	}
	return nil
}

// Stop halts the background loops and closes the in-memory queue so
// blocked workers drain out.
func (q *Queue) Stop(_ context.Context) error {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return nil
	}
	q.running = false
	q.runMu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	q.mem.Close()
	return nil
}

// redeliverLoop periodically re-admits due jobs — retries whose backoff
// elapsed and jobs scheduled for a future run time. Push ignores
// duplicates, so re-listing an already-queued job is harmless.
func (q *Queue) redeliverLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.redeliverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			due, err := q.store.ListDueJobs(context.Background(), q.queues, q.exclude, redeliverBatch)
			if err != nil {
				q.logger.Error("redeliver list failed", slog.String("error", err.Error()))
				continue
			}
			for _, j := range due {
				if err := q.mem.Push(j); err != nil {
					return
				}
			}
		}
	}
}

// sweepLoop keeps reclaiming stale locks while the process runs,
// defense in depth alongside the startup Recover pass.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			n, err := q.store.ResetStaleJobs(context.Background(), q.lockTimeout)
			if err != nil {
				q.logger.Error("stale lock sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				q.logger.Warn("reclaimed stale job locks", slog.Int("count", n))
			}
		}
	}
}

func elapsed(j *job.Job, now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return now.Sub(*j.StartedAt)
}
