package job

import (
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateRunning means a worker holds the lock and is executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its retries and will not run again.
	StateFailed State = "failed"
	// StateRetrying means the job failed but is scheduled for retry.
	StateRetrying State = "retrying"
	// StateCancelled means the job was explicitly cancelled or abandoned.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job represents a unit of work to be processed by a worker: a library
// scan, a catalog sync, a download watch, a track import.
type Job struct {
	backbeat.Entity

	ID         id.JobID `json:"id"`
	Name       string   `json:"name"`
	Queue      string   `json:"queue"`
	Payload    []byte   `json:"payload"`
	State      State    `json:"state"`
	Priority   int      `json:"priority"`
	MaxRetries int      `json:"max_retries"`
	RetryCount int      `json:"retry_count"`
	LastError  string   `json:"last_error,omitempty"`
	Note       string   `json:"note,omitempty"`
	Result     []byte   `json:"result,omitempty"`

	// LockedBy / LockedAt form the advisory lock recorded on the durable
	// record. Exactly one worker instance may hold a non-nil lock; the
	// claim is enforced by the store's conditional update. LockedAt is
	// refreshed by the holder's heartbeat and goes stale when the holder
	// crashes.
	LockedBy id.WorkerID `json:"locked_by,omitempty"`
	LockedAt *time.Time  `json:"locked_at,omitempty"`

	// CancelRequested suppresses future retries of a running job. A
	// running job is never preempted; this only takes effect at the next
	// failure decision.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	RunAt       time.Time     `json:"run_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Locked reports whether a worker currently holds this job's lock.
func (j *Job) Locked() bool {
	return !j.LockedBy.IsNil() && j.LockedAt != nil
}

// ClearLock removes the worker assignment.
func (j *Job) ClearLock() {
	j.LockedBy = id.Nil
	j.LockedAt = nil
}
