package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/ext"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
	"github.com/bozzfozz/backbeat/queue"
)

// QueueManager controls per-queue rate limiting and concurrency. The
// pool calls Acquire before executing a dequeued job and Release after
// execution completes.
type QueueManager interface {
	Acquire(queue string) bool
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that pop jobs from
// the in-memory queue, claim them against the store and execute them.
type Pool struct {
	mem        *queue.Memory
	store      job.Store
	executor   *Executor
	extensions *ext.Registry

	concurrency       int
	heartbeatInterval time.Duration
	workerID          id.WorkerID
	logger            *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeJobs map[string]activeJob
	activeMu   sync.Mutex
}

type activeJob struct {
	id     id.JobID
	cancel context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithHeartbeatInterval sets how often the pool refreshes the lock of
// each active job. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool pulling from mem and claiming against
// store.
func NewPool(
	mem *queue.Memory,
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		mem:               mem,
		store:             store,
		executor:          executor,
		extensions:        extensions,
		concurrency:       10,
		heartbeatInterval: 30 * time.Second,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[string]activeJob),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to
// finish. If the context has a deadline, active jobs are cancelled when
// time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.mem.Pop(p.ctx)
		if err != nil {
			if errors.Is(err, backbeat.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			continue
		}

		p.runJob(j)
	}
}

// runJob claims and executes one popped job.
func (p *Pool) runJob(j *job.Job) {
	background := context.Background()

	if p.queueManager != nil && !p.queueManager.Acquire(j.Queue) {
		// Rate limited. Drop the in-memory entry and let the redeliver
		// loop offer the job again. The record must not be written here:
		// we only hold a pre-claim snapshot, and an unconditional update
		// would clobber a claim that landed between Pop and now.
		p.logger.Debug("rate limited, deferring job",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
		)
		return
	}
	if p.queueManager != nil {
		defer p.queueManager.Release(j.Queue)
	}

	claimed, err := p.store.ClaimJob(background, j.ID, p.workerID)
	if err != nil {
		p.logger.Error("claim error",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !claimed {
		// Another worker won the race. Expected under horizontal
		// scaling, not an error.
		p.logger.Debug("lost claim race", slog.String("job_id", j.ID.String()))
		return
	}

	// Re-read the record so the lock fields and state are current.
	j, err = p.store.GetJob(background, j.ID)
	if err != nil {
		p.logger.Error("reload claimed job",
			slog.String("error", err.Error()),
		)
		return
	}

	if p.extensions != nil {
		p.extensions.EmitJobStarted(background, j)
	}

	ctx, cancel := context.WithCancel(background)
	p.trackJob(j.ID, cancel)

	execErr := p.executor.Execute(ctx, j)
	if execErr != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrackJob(j.ID)
	cancel()
}

// heartbeatLoop periodically refreshes the lock of every active job,
// proving this worker is still alive so the stale-lock sweep leaves its
// jobs alone.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, active := range p.snapshotActive() {
				if err := p.store.RefreshLock(context.Background(), active.id, p.workerID); err != nil {
					p.logger.Debug("heartbeat refresh failed",
						slog.String("job_id", active.id.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	p.activeJobs[jobID.String()] = activeJob{id: jobID, cancel: cancel}
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	delete(p.activeJobs, jobID.String())
}

func (p *Pool) snapshotActive() []activeJob {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	out := make([]activeJob, 0, len(p.activeJobs))
	for _, a := range p.activeJobs {
		out = append(out, a)
	}
	return out
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, a := range p.activeJobs {
		a.cancel()
	}
}
