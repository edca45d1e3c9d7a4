// Package audit is a Backbeat extension that bridges lifecycle events
// to an audit trail backend.
//
// Every job lifecycle hook, plus the write-behind flush and
// reconciliation hooks, emits a structured audit event through the
// [Recorder] interface. The extension assigns severity levels (info for
// normal operations, warning for retries, critical for terminal
// failures) and metadata (job name, queue, elapsed time, errors).
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Append(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionJobFailed,
//	        audit.ActionJobCancelled,
//	    ),
//	)
package audit
