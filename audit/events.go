package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobRetrying  = "job.retrying"
	ActionJobCancelled = "job.cancelled"
	ActionFlush        = "writeback.flush"
	ActionReconcile    = "monitor.reconcile"
)

// Audit event categories group related actions.
const (
	CategoryJob       = "backbeat.job"
	CategoryWriteback = "backbeat.writeback"
	CategoryMonitor   = "backbeat.monitor"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob       = "job"
	ResourceWriteback = "writeback_cache"
	ResourceMonitor   = "reconciler"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobCancelled,
		ActionFlush,
		ActionReconcile,
	}
}
