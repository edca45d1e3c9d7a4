package backbeat

import (
	"context"
	"log/slog"
)

// Option configures a Conductor.
type Option func(*Conductor) error

// Storer is the minimal store interface held by the Conductor.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds the
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background component lifecycle
// (worker pool, flush loop, reconciliation worker).
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Conductor is the process-wide handle for background execution. It is
// constructed once at process start and passed by reference to all
// producers and consumers; its Stop call drains in-flight work before
// returning. Subsystems are attached via internal interfaces to avoid
// import cycles — use engine.Build to wire everything together.
type Conductor struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []runner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Conductor with the given options.
func New(opts ...Option) (*Conductor, error) {
	c := &Conductor{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the conductor's logger.
func (c *Conductor) Logger() *slog.Logger { return c.logger }

// Store returns the conductor's store.
func (c *Conductor) Store() Storer { return c.store }

// Config returns a copy of the conductor's configuration.
func (c *Conductor) Config() Config { return c.config }

// AddRunner attaches a background component (called by the engine package).
// Runners are started in registration order and stopped in reverse.
func (c *Conductor) AddRunner(r runner) { c.runners = append(c.runners, r) }

// SetExtensions sets the extension emitter (called by the engine package).
func (c *Conductor) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start begins background processing.
func (c *Conductor) Start(ctx context.Context) error {
	if len(c.runners) == 0 {
		return ErrNoRunners
	}
	for _, r := range c.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the conductor. Runners are stopped in
// reverse registration order so the worker pool drains before the
// write-behind cache takes its final flush.
func (c *Conductor) Stop(ctx context.Context) error {
	if c.started {
		for i := len(c.runners) - 1; i >= 0; i-- {
			if err := c.runners[i].Stop(ctx); err != nil {
				c.logger.Error("runner stop error", "error", err)
			}
		}
	}
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(c *Conductor) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the conductor will serve.
func WithQueues(queues []string) Option {
	return func(c *Conductor) error {
		c.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the conductor.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conductor) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the conductor.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds the subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(c *Conductor) error {
		c.store = s
		return nil
	}
}

// WithConfig replaces the whole configuration. Later options still
// override individual fields.
func WithConfig(cfg Config) Option {
	return func(c *Conductor) error {
		c.config = cfg
		return nil
	}
}
