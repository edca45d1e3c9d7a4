// Package ext defines the extension system for Backbeat.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, notifying the web layer, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued] — job was persisted and admitted to the queue
//   - [JobStarted] — worker claimed the job and began executing it
//   - [JobCompleted] — job finished successfully
//   - [JobFailed] — job failed with no retries remaining
//   - [JobRetrying] — job failed but will be retried
//   - [JobCancelled] — job was cancelled or swept as abandoned
//
// # Write-Behind Hooks
//
//   - [FlushCompleted] — the write-behind cache finished a flush cycle
//
// # Other Hooks
//
//   - [ReconcileCompleted] — the reconciliation worker finished a pass
//   - [Shutdown] — the conductor is shutting down gracefully
//
// Hook errors are logged and swallowed; an extension can observe the
// pipeline but never stall it.
package ext
