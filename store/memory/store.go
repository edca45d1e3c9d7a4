package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
)

// Compile-time check that Store satisfies the job store contract.
var _ job.Store = (*Store)(nil)

// Store is a fully in-memory job store. Safe for concurrent access.
// Intended for unit testing and development; nothing survives a restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in pending state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return backbeat.ErrJobAlreadyExists
	}

	cp := *j
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.RunAt.IsZero() {
		cp.RunAt = now
	}
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, backbeat.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return backbeat.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return backbeat.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobsByState returns jobs matching the given state, ordered by
// priority descending then creation time ascending.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Name != "" && j.Name != opts.Name {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sortJobs(out)
	return paginate(out, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Name != "" && j.Name != opts.Name {
			continue
		}
		n++
	}
	return n, nil
}

// ClaimJob atomically transitions a job to running on behalf of
// workerID. Returns false when another worker holds the lock or the job
// already left the claimable states.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, backbeat.ErrJobNotFound
	}
	if j.State != job.StatePending && j.State != job.StateRetrying {
		return false, nil
	}
	if j.Locked() {
		return false, nil
	}

	now := time.Now().UTC()
	j.State = job.StateRunning
	j.LockedBy = workerID
	j.LockedAt = &now
	j.StartedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// RefreshLock updates locked_at for a running job held by workerID.
func (m *Store) RefreshLock(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return backbeat.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.LockedBy.String() != workerID.String() {
		return fmt.Errorf("backbeat/memory: refresh lock on job %s: %w", jobID, backbeat.ErrInvalidState)
	}
	now := time.Now().UTC()
	j.LockedAt = &now
	j.UpdatedAt = now
	return nil
}

// ListDueJobs returns pending and due-for-retry jobs in the given
// queues, unlocked and with run_at in the past, ordered by priority
// descending then creation time ascending.
func (m *Store) ListDueJobs(_ context.Context, queues []string, exclude []string, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[name] = struct{}{}
	}

	now := time.Now().UTC()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StatePending && j.State != job.StateRetrying {
			continue
		}
		if j.Locked() || j.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[j.Queue]; !ok {
				continue
			}
		}
		if _, ok := excluded[j.Name]; ok {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sortJobs(out)
	return paginate(out, 0, limit), nil
}

// ResetStaleJobs returns to pending every running job whose locked_at is
// older than lockTimeout, clearing the lock.
func (m *Store) ResetStaleJobs(_ context.Context, lockTimeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-lockTimeout)
	count := 0
	for _, j := range m.jobs {
		if j.State != job.StateRunning || j.LockedAt == nil {
			continue
		}
		if j.LockedAt.After(cutoff) {
			continue
		}
		j.State = job.StatePending
		j.ClearLock()
		j.StartedAt = nil
		j.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// CancelAbandonedJobs cancels pending jobs older than maxAge.
func (m *Store) CancelAbandonedJobs(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-maxAge)
	count := 0
	for _, j := range m.jobs {
		if j.State != job.StatePending || j.CreatedAt.After(cutoff) {
			continue
		}
		j.State = job.StateCancelled
		j.Note = fmt.Sprintf("abandoned: pending longer than %s", maxAge)
		completedAt := now
		j.CompletedAt = &completedAt
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

// PurgeJobs deletes terminal-state records older than retention and
// abandoned pending records older than abandonAge.
func (m *Store) PurgeJobs(_ context.Context, retention, abandonAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for key, j := range m.jobs {
		switch {
		case j.State.Terminal():
			done := j.UpdatedAt
			if j.CompletedAt != nil {
				done = *j.CompletedAt
			}
			if done.Before(now.Add(-retention)) {
				delete(m.jobs, key)
				count++
			}
		case j.State == job.StatePending:
			if j.CreatedAt.Before(now.Add(-abandonAge)) {
				delete(m.jobs, key)
				count++
			}
		}
	}
	return count, nil
}

// sortJobs orders by priority descending, then creation time ascending.
func sortJobs(jobs []*job.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func paginate(jobs []*job.Job, offset, limit int) []*job.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}
