// Package store defines the aggregate persistence interface for the
// durable job queue. Backends: SQLite (production, single-writer) and
// Memory (tests, development).
package store

import (
	"context"

	"github.com/bozzfozz/backbeat/job"
)

// Store is the aggregate persistence interface. A single backend
// implements the job store plus connection lifecycle.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
