// Package job defines the job entity, state machine, typed definitions,
// and store interface.
//
// # Job Entity
//
// A [Job] represents a unit of work. It embeds [backbeat.Entity] for
// timestamps, carries a typed payload (JSON), and progresses through a
// state machine:
//
//	pending → running → completed
//	pending → running → retrying → running → ...
//	pending → running → failed
//	pending → cancelled
//
// pending and running are the only non-terminal states. A running job may
// move back to retrying (and from there to running again only through a
// fresh claim) or forward to a terminal state.
//
// Fields of note:
//   - Queue: which queue the job belongs to (default: "default")
//   - Priority: higher values are dequeued first
//   - MaxRetries / RetryCount: controls retry budget
//   - RunAt: earliest time the job may be dequeued
//   - LockedBy / LockedAt: the advisory lock held by the executing worker
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs; a non-nil
// return value is serialized into the job's result:
//
//	var ImportTrack = job.NewDefinition("import_track",
//	    func(ctx context.Context, input ImportInput) (any, error) {
//	        return importer.Run(ctx, input.Path)
//	    },
//	)
//
// # Registry
//
// [Registry] maps job names to type-erased [HandlerFunc] values. The set
// of job types is closed at startup: register every definition before the
// worker pool starts, then leave the table alone.
//
//	job.RegisterDefinition(registry, ImportTrack)
//	job.RegisterDefinition(registry, LibraryScan)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
