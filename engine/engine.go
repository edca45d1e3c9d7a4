package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/backoff"
	"github.com/bozzfozz/backbeat/breaker"
	"github.com/bozzfozz/backbeat/durable"
	"github.com/bozzfozz/backbeat/ext"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/janitor"
	"github.com/bozzfozz/backbeat/job"
	mw "github.com/bozzfozz/backbeat/middleware"
	"github.com/bozzfozz/backbeat/monitor"
	"github.com/bozzfozz/backbeat/observability"
	"github.com/bozzfozz/backbeat/queue"
	"github.com/bozzfozz/backbeat/worker"
	"github.com/bozzfozz/backbeat/writeback"
)

// Engine wraps a Conductor with typed subsystem access.
// Use Build() to create one from a Conductor.
type Engine struct {
	c          *backbeat.Conductor
	extensions *ext.Registry
	registry   *job.Registry
	jobStore   job.Store
	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger

	mem     *queue.Memory
	durable *durable.Queue
	pool    *worker.Pool
	sweeper *janitor.Janitor

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// Optional subsystems; nil unless the corresponding option was given.
	cache      *writeback.Cache
	reconciler *monitor.Worker

	flusher     writeback.Flusher
	cacheOpts   []writeback.Option
	source      monitor.Source
	apply       monitor.ApplyFunc
	monitorOpts []monitor.Option
	janitorOpts []janitor.Option

	recoverExcludes []string

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (exponential, powers of two
// seconds) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithWriteBehind enables the write-behind cache, flushing buffered
// intents through the given flusher.
func WithWriteBehind(f writeback.Flusher, opts ...writeback.Option) Option {
	return func(eng *Engine) {
		eng.flusher = f
		eng.cacheOpts = opts
	}
}

// WithReconciler enables the reconciliation worker, polling source and
// applying observed item statuses through apply.
func WithReconciler(source monitor.Source, apply monitor.ApplyFunc, opts ...monitor.Option) Option {
	return func(eng *Engine) {
		eng.source = source
		eng.apply = apply
		eng.monitorOpts = opts
	}
}

// WithRecoverExcludes names job types that startup recovery must not
// reload into memory. Use this when a subsystem runs its own first
// sync at startup and a stale persisted duplicate would race it.
func WithRecoverExcludes(names ...string) Option {
	return func(eng *Engine) {
		eng.recoverExcludes = append(eng.recoverExcludes, names...)
	}
}

// WithJanitorOptions overrides the janitor's schedule or retention.
func WithJanitorOptions(opts ...janitor.Option) Option {
	return func(eng *Engine) {
		eng.janitorOpts = opts
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the observability extension uses this provider instead of
// the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Conductor.
// The Conductor's store must implement job.Store.
func Build(c *backbeat.Conductor, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	store := c.Store()

	if store == nil {
		return nil, backbeat.ErrNoStore
	}
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("backbeat: store does not implement job.Store")
	}

	eng := &Engine{
		c:          c,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		jobStore:   js,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	// Register the observability metrics extension.
	var (
		obsExt *observability.MetricsExtension
		obsErr error
	)
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/bozzfozz/backbeat/observability")
		obsExt, obsErr = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt, obsErr = observability.NewMetricsExtension()
	}
	if obsErr != nil {
		return nil, fmt.Errorf("backbeat: build metrics extension: %w", obsErr)
	}
	eng.extensions.Register(obsExt)

	// Tracing middleware (custom provider or global).
	tp := eng.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	// Default middleware stack: recover, tracing, logging, timeout.
	config := c.Config()
	defaultMws := []mw.Middleware{
		mw.Recover(),
		mw.Tracing(tp),
		mw.Logging(logger),
		mw.Timeout(),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// The durable queue feeds the in-memory queue; the pool drains it.
	eng.mem = queue.NewMemory()
	eng.durable = durable.New(js, eng.mem, logger,
		durable.WithBackoff(eng.bo),
		durable.WithExtensions(eng.extensions),
		durable.WithQueues(config.Queues),
		durable.WithRedeliverInterval(config.RedeliverInterval),
		durable.WithLockTimeout(config.LockTimeout),
		durable.WithAbandonAfter(config.AbandonAfter),
	)

	executor := worker.NewExecutor(eng.registry, eng.durable, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
	}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	eng.pool = worker.NewPool(eng.mem, js, executor, eng.extensions, logger, poolOpts...)

	if eng.flusher != nil {
		cacheOpts := append([]writeback.Option{writeback.WithExtensions(eng.extensions)}, eng.cacheOpts...)
		eng.cache = writeback.New(eng.flusher, logger, cacheOpts...)
	}

	if eng.source != nil {
		monitorOpts := append([]monitor.Option{monitor.WithExtensions(eng.extensions)}, eng.monitorOpts...)
		eng.reconciler = monitor.New(eng.source, eng.apply, logger, monitorOpts...)
	}

	janitorOpts := append([]janitor.Option{janitor.WithRetention(config.Retention)}, eng.janitorOpts...)
	eng.sweeper = janitor.New(eng.durable, logger, janitorOpts...)

	// Runner order matters: the cache registers first so its Stop (the
	// final flush) runs after the pool has drained, and the durable
	// queue registers before the pool so redelivery is live when
	// workers begin pulling.
	if eng.cache != nil {
		c.AddRunner(eng.cache)
	}
	c.AddRunner(eng.durable)
	c.AddRunner(eng.pool)
	if eng.reconciler != nil {
		c.AddRunner(eng.reconciler)
	}
	c.AddRunner(eng.sweeper)
	c.SetExtensions(eng.extensions)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue creates and enqueues a job with a typed payload.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}
	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	jobOpts := job.DefaultOptions()
	for _, opt := range opts {
		opt(&jobOpts)
	}

	j := &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Payload:    payload,
		Queue:      jobOpts.Queue,
		Priority:   jobOpts.Priority,
		MaxRetries: jobOpts.MaxRetries,
		Timeout:    jobOpts.Timeout,
		RunAt:      jobOpts.RunAt,
	}

	if err := eng.durable.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// ListJobs returns jobs in the given state, newest-priority first.
func (eng *Engine) ListJobs(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	return eng.jobStore.ListJobsByState(ctx, state, opts)
}

// CancelJob cancels a job. Pending and retrying jobs are cancelled
// immediately (true); for a running job cancellation is requested and
// honored when the current attempt finishes (false, nil).
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	return eng.durable.Cancel(ctx, jobID)
}

// Stats is a point-in-time snapshot of the background system.
type Stats struct {
	// Jobs counts persisted jobs per state.
	Jobs map[job.State]int64 `json:"jobs"`
	// QueueDepth is the number of jobs admitted and waiting in memory.
	QueueDepth int `json:"queue_depth"`
	// Writeback counts buffered intents per table. Nil when the
	// write-behind cache is disabled.
	Writeback map[string]int `json:"writeback,omitempty"`
	// Breaker is the reconciler's circuit state. Empty when the
	// reconciler is disabled.
	Breaker breaker.State `json:"breaker,omitempty"`
	// ReconcilerHealthy is true when the breaker is closed and the last
	// successful sync is recent.
	ReconcilerHealthy bool `json:"reconciler_healthy"`
	// LastSync is the time of the last successful reconciliation pass.
	LastSync time.Time `json:"last_sync,omitzero"`
}

// Stats reports job counts per state plus the live depth of the
// in-memory queue, write-behind buffer, and reconciler health.
func (eng *Engine) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		Jobs:       make(map[job.State]int64),
		QueueDepth: eng.mem.Len(),
	}
	states := []job.State{
		job.StatePending, job.StateRunning, job.StateRetrying,
		job.StateCompleted, job.StateFailed, job.StateCancelled,
	}
	for _, st := range states {
		n, err := eng.jobStore.CountJobs(ctx, job.CountOpts{State: st})
		if err != nil {
			return nil, fmt.Errorf("backbeat: count %s jobs: %w", st, err)
		}
		s.Jobs[st] = n
	}
	if eng.cache != nil {
		s.Writeback = eng.cache.Depth()
	}
	if eng.reconciler != nil {
		s.Breaker = eng.reconciler.BreakerState()
		s.ReconcilerHealthy = eng.reconciler.Healthy()
		s.LastSync = eng.reconciler.LastSync()
	}
	return s, nil
}

// Start recovers durable state and begins background processing. Crash
// recovery runs before any worker pulls: abandoned jobs are cancelled,
// stale locks reclaimed, and due jobs reloaded into memory.
func (eng *Engine) Start(ctx context.Context) error {
	recovered, reclaimed, err := eng.durable.Recover(ctx, eng.recoverExcludes...)
	if err != nil {
		return fmt.Errorf("backbeat: recover durable state: %w", err)
	}
	eng.logger.Info("durable state recovered",
		slog.Int("jobs_loaded", recovered),
		slog.Int("stale_locks_reclaimed", reclaimed),
	)
	return eng.c.Start(ctx)
}

// Stop gracefully shuts down the engine: the janitor and reconciler
// stop first, the pool drains in-flight jobs, the durable queue halts
// redelivery, and the write-behind cache takes its final flush.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.c.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Conductor returns the underlying Conductor.
func (eng *Engine) Conductor() *backbeat.Conductor { return eng.c }

// Queue returns the durable queue.
func (eng *Engine) Queue() *durable.Queue { return eng.durable }

// Cache returns the write-behind cache, or nil when disabled.
func (eng *Engine) Cache() *writeback.Cache { return eng.cache }

// Reconciler returns the reconciliation worker, or nil when disabled.
func (eng *Engine) Reconciler() *monitor.Worker { return eng.reconciler }

// Janitor returns the retention sweeper.
func (eng *Engine) Janitor() *janitor.Janitor { return eng.sweeper }

// WorkerID returns the pool's worker identity, as recorded in job locks.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
