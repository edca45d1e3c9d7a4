// Package monitor implements the reconciliation worker: a periodic
// poller that compares internally tracked download/job state against an
// external system of record, guarded by a circuit breaker so an
// unreachable external system degrades gracefully instead of spinning.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bozzfozz/backbeat/breaker"
	"github.com/bozzfozz/backbeat/ext"
)

// Item is one record reported by the external system: a transfer in the
// peer client's queue, identified by the external side.
type Item struct {
	ID       string
	Filename string
	State    string
	Progress float64
}

// Source lists the external system's current items. Typically backed by
// the peer-network download client's API.
type Source interface {
	ListItems(ctx context.Context) ([]Item, error)
}

// ApplyFunc reconciles the external items into local state. It runs
// once per successful poll with the full item list.
type ApplyFunc func(ctx context.Context, items []Item) error

// Worker polls a Source on an interval and applies the result.
type Worker struct {
	source     Source
	apply      ApplyFunc
	breaker    *breaker.Breaker
	logger     *slog.Logger
	extensions *ext.Registry

	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	lastSync time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithStaleAfter sets how long without a successful reconcile counts as
// stale.
func WithStaleAfter(d time.Duration) Option {
	return func(w *Worker) { w.staleAfter = d }
}

// WithBreaker sets the circuit breaker guarding the source.
func WithBreaker(b *breaker.Breaker) Option {
	return func(w *Worker) { w.breaker = b }
}

// WithExtensions sets the extension registry notified after each
// reconcile attempt.
func WithExtensions(r *ext.Registry) Option {
	return func(w *Worker) { w.extensions = r }
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a reconciliation worker.
func New(source Source, apply ApplyFunc, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		source:     source,
		apply:      apply,
		breaker:    breaker.New(),
		logger:     logger,
		interval:   5 * time.Second,
		staleAfter: 5 * time.Minute,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reconcile performs a single poll-and-apply pass. When the breaker is
// open the pass is skipped without touching the source. A source error
// counts against the breaker; an apply error does not, since the
// external system answered.
func (w *Worker) Reconcile(ctx context.Context) error {
	if !w.breaker.Allow() {
		w.logger.Debug("reconcile skipped, breaker open",
			slog.String("breaker", string(w.breaker.State())),
		)
		return nil
	}

	items, err := w.source.ListItems(ctx)
	if err != nil {
		w.breaker.Failure()
		w.logger.Warn("reconcile poll failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", w.breaker.ConsecutiveFailures()),
			slog.String("breaker", string(w.breaker.State())),
		)
		if w.extensions != nil {
			w.extensions.EmitReconcileCompleted(ctx, 0, err)
		}
		return err
	}
	w.breaker.Success()

	if err := w.apply(ctx, items); err != nil {
		w.logger.Error("reconcile apply failed",
			slog.Int("items", len(items)),
			slog.String("error", err.Error()),
		)
		if w.extensions != nil {
			w.extensions.EmitReconcileCompleted(ctx, len(items), err)
		}
		return err
	}

	w.mu.Lock()
	w.lastSync = w.now()
	w.mu.Unlock()

	if w.extensions != nil {
		w.extensions.EmitReconcileCompleted(ctx, len(items), nil)
	}
	return nil
}

// LastSync returns the time of the last fully successful reconcile, or
// the zero time if none has succeeded yet.
func (w *Worker) LastSync() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSync
}

// Stale reports whether the last successful reconcile is older than the
// staleness threshold. A worker that never succeeded is stale.
func (w *Worker) Stale() bool {
	w.mu.Lock()
	last := w.lastSync
	w.mu.Unlock()

	if last.IsZero() {
		return true
	}
	return w.now().Sub(last) > w.staleAfter
}

// BreakerState returns the circuit breaker's current state.
func (w *Worker) BreakerState() breaker.State {
	return w.breaker.State()
}

// Healthy reports whether the external system is reachable and the
// tracked state is fresh.
func (w *Worker) Healthy() bool {
	return w.breaker.State() == breaker.StateClosed && !w.Stale()
}

// Start launches the polling loop.
func (w *Worker) Start(_ context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.running {
		return nil
	}
	w.running = true

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the polling loop.
func (w *Worker) Stop(_ context.Context) error {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return nil
	}
	w.running = false
	w.runMu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			// Errors are already logged and tracked by the breaker.
			_ = w.Reconcile(context.Background())
		}
	}
}
