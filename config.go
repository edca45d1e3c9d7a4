package backbeat

import "time"

// Config holds configuration for the Conductor.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// Queues is the list of queues this process will serve.
	Queues []string

	// RedeliverInterval is how often the durable queue re-admits jobs
	// whose retry backoff has elapsed.
	RedeliverInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running jobs refresh their lock.
	HeartbeatInterval time.Duration

	// LockTimeout is how long a job lock may go unrefreshed before the
	// holder is presumed crashed and the lock is eligible for reclaim.
	LockTimeout time.Duration

	// AbandonAfter is how long a job may sit pending before housekeeping
	// cancels it as abandoned.
	AbandonAfter time.Duration

	// Retention is how long terminal job records are kept before the
	// janitor deletes them.
	Retention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"default"},
		RedeliverInterval: 1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LockTimeout:       5 * time.Minute,
		AbandonAfter:      24 * time.Hour,
		Retention:         7 * 24 * time.Hour,
	}
}
