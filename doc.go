// Package backbeat is the durable background-execution core that powers
// SoulSpot's library sync, import, and download pipelines. It lets many
// concurrent producers enqueue units of work and buffer writes against a
// single-writer embedded database without blocking the interactive request
// path, without losing work across restarts, and without two worker
// processes double-processing the same job.
//
// Backbeat is a library, not a service. Import it, configure a store, and
// register job handlers as ordinary Go functions.
//
// # Quick Start
//
//	c, err := backbeat.New(
//	    backbeat.WithStore(st),
//	    backbeat.WithConcurrency(8),
//	)
//
// Then build an engine around the Conductor (see the engine package),
// register typed job definitions, and call Start. Recovery of abandoned
// and stale-locked jobs runs before any worker begins pulling work.
//
// # Architecture
//
// The core is four pieces, leaves first:
//
//   - job: the work unit, its state machine, and the persistence contract
//     including the atomic claim that makes multi-process workers safe.
//   - queue + durable: an in-memory priority scheduler mirrored to storage
//     on every state transition.
//   - writeback: a write-behind cache that batches many small write
//     intents into few ordered bulk transactions.
//   - monitor + breaker: a reconciliation worker that compares tracked
//     state against an external system of record behind a circuit breaker.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package backbeat
