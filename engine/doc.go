// Package engine wires all Backbeat subsystems together and provides
// the primary application-level API for registering and enqueuing work.
//
// The engine package exists to break a fundamental import cycle: the
// root backbeat package defines Entity (imported by job, queue, etc.)
// and therefore cannot import those packages back. Engine sits above
// all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	c, err := backbeat.New(
//	    backbeat.WithStore(sqliteStore),
//	    backbeat.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(c,
//	    engine.WithMiddleware(myMiddleware),
//	    engine.WithBackoff(backoff.DefaultStrategy()),
//	    engine.WithWriteBehind(writeback.NewBunFlusher(db)),
//	    engine.WithReconciler(slskdSource, applyStatuses),
//	)
//
// # Registering and Enqueuing Work
//
//	engine.Register(eng, ImportTrack)
//
//	j, err := engine.Enqueue(ctx, eng, "import_track", ImportInput{Path: p},
//	    job.WithPriority(10),
//	    job.WithQueue("imports"),
//	)
//
// # Options
//
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a middleware to the execution chain
//   - [WithBackoff] sets the retry backoff strategy
//   - [WithQueueConfig] configures per-queue rate limits and concurrency
//   - [WithWriteBehind] enables the write-behind cache
//   - [WithReconciler] enables the external-status reconciliation worker
//   - [WithTracerProvider] sets the OpenTelemetry tracer provider
//   - [WithMeterProvider] sets the OpenTelemetry meter provider
package engine
