package job

import (
	"context"
	"time"

	"github.com/bozzfozz/backbeat/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Name filters by job type name. Empty means all types.
	Name string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
	// Name filters by job type name. Empty means all types.
	Name string
}

// Store defines the persistence contract for jobs. The durable queue and
// worker pool are the only callers; handler code must never write to the
// job table directly.
type Store interface {
	// EnqueueJob persists a new job in pending state.
	EnqueueJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ClaimJob atomically transitions a job to running on behalf of
	// workerID: state running, locked_by set, locked_at now — but only if
	// the record is still pending or due-for-retry and unlocked. A false
	// return with nil error means another worker won the race; the caller
	// must not process the job. This single conditional update is what
	// makes multiple worker processes on a shared database safe.
	ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error)

	// RefreshLock updates locked_at for a running job held by workerID,
	// proving the holder is still alive.
	RefreshLock(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ListDueJobs returns pending and due-for-retry jobs in the given
	// queues (run_at <= now, unlocked), ordered by priority descending
	// then creation time ascending, skipping the excluded job names.
	ListDueJobs(ctx context.Context, queues []string, exclude []string, limit int) ([]*Job, error)

	// ResetStaleJobs returns to pending every running job whose locked_at
	// is older than lockTimeout, clearing the lock. It reports how many
	// records were reclaimed. Safe to run repeatedly.
	ResetStaleJobs(ctx context.Context, lockTimeout time.Duration) (int, error)

	// CancelAbandonedJobs cancels pending jobs older than maxAge, marking
	// them with an explanatory note. It reports how many were cancelled.
	CancelAbandonedJobs(ctx context.Context, maxAge time.Duration) (int, error)

	// PurgeJobs deletes terminal-state records older than retention and
	// abandoned pending records older than abandonAge. It reports how
	// many rows were removed.
	PurgeJobs(ctx context.Context, retention, abandonAge time.Duration) (int, error)
}
