package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
)

var claimableStates = []string{string(job.StatePending), string(job.StateRetrying)}

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.RunAt.IsZero() {
		m.RunAt = now
	}

	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return backbeat.ErrJobAlreadyExists
		}
		return fmt.Errorf("backbeat/sqlite: enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, backbeat.ErrJobNotFound
		}
		return nil, fmt.Errorf("backbeat/sqlite: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("backbeat/sqlite: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return backbeat.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("backbeat/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck
	if rows == 0 {
		return backbeat.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs matching the given state, ordered by
// priority descending then creation time ascending.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(state)).
		OrderExpr("priority DESC, created_at ASC")
	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("backbeat/sqlite: list jobs: %w", err)
	}
	return convertJobModels(models)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*jobModel)(nil))
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}
	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}

	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("backbeat/sqlite: count jobs: %w", err)
	}
	return int64(n), nil
}

// ClaimJob atomically transitions a job to running on behalf of
// workerID via a single conditional UPDATE. Zero rows affected means
// another worker won the race.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = ?", string(job.StateRunning)).
		Set("locked_by = ?", workerID.String()).
		Set("locked_at = ?", now).
		Set("started_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state IN (?)", bun.In(claimableStates)).
		Where("locked_by = ''").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("backbeat/sqlite: claim job: %w", err)
	}

	rows, _ := res.RowsAffected() //nolint:errcheck
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost race from a missing record.
	exists, err := s.db.NewSelect().
		Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("backbeat/sqlite: claim job: %w", err)
	}
	if !exists {
		return false, backbeat.ErrJobNotFound
	}
	return false, nil
}

// RefreshLock updates locked_at for a running job held by workerID.
func (s *Store) RefreshLock(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("locked_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = ?", string(job.StateRunning)).
		Where("locked_by = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("backbeat/sqlite: refresh lock: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck
	if rows == 0 {
		return fmt.Errorf("backbeat/sqlite: refresh lock on job %s: %w", jobID, backbeat.ErrInvalidState)
	}
	return nil
}

// ListDueJobs returns pending and due-for-retry jobs in the given
// queues, unlocked and with run_at in the past, ordered by priority
// descending then creation time ascending.
func (s *Store) ListDueJobs(ctx context.Context, queues []string, exclude []string, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state IN (?)", bun.In(claimableStates)).
		Where("run_at <= ?", time.Now().UTC()).
		Where("locked_by = ''").
		OrderExpr("priority DESC, created_at ASC")
	if len(queues) > 0 {
		q = q.Where("queue IN (?)", bun.In(queues))
	}
	if len(exclude) > 0 {
		q = q.Where("name NOT IN (?)", bun.In(exclude))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("backbeat/sqlite: list due jobs: %w", err)
	}
	return convertJobModels(models)
}

// ResetStaleJobs returns to pending every running job whose locked_at
// is older than lockTimeout, clearing the lock.
func (s *Store) ResetStaleJobs(ctx context.Context, lockTimeout time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = ?", string(job.StatePending)).
		Set("locked_by = ''").
		Set("locked_at = NULL").
		Set("started_at = NULL").
		Set("updated_at = ?", now).
		Where("state = ?", string(job.StateRunning)).
		Where("locked_at IS NOT NULL").
		Where("locked_at <= ?", now.Add(-lockTimeout)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("backbeat/sqlite: reset stale jobs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck
	return int(rows), nil
}

// CancelAbandonedJobs cancels pending jobs older than maxAge, marking
// them with an explanatory note.
func (s *Store) CancelAbandonedJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = ?", string(job.StateCancelled)).
		Set("note = ?", fmt.Sprintf("abandoned: pending longer than %s", maxAge)).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("state = ?", string(job.StatePending)).
		Where("created_at <= ?", now.Add(-maxAge)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("backbeat/sqlite: cancel abandoned jobs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck
	return int(rows), nil
}

// PurgeJobs deletes terminal-state records older than retention and
// abandoned pending records older than abandonAge.
func (s *Store) PurgeJobs(ctx context.Context, retention, abandonAge time.Duration) (int, error) {
	now := time.Now().UTC()
	terminal := []string{
		string(job.StateCompleted),
		string(job.StateFailed),
		string(job.StateCancelled),
	}

	res, err := s.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("state IN (?)", bun.In(terminal)).
		Where("COALESCE(completed_at, updated_at) <= ?", now.Add(-retention)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("backbeat/sqlite: purge terminal jobs: %w", err)
	}
	purged, _ := res.RowsAffected() //nolint:errcheck

	res, err = s.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("state = ?", string(job.StatePending)).
		Where("created_at <= ?", now.Add(-abandonAge)).
		Exec(ctx)
	if err != nil {
		return int(purged), fmt.Errorf("backbeat/sqlite: purge abandoned jobs: %w", err)
	}
	zombies, _ := res.RowsAffected() //nolint:errcheck

	return int(purged + zombies), nil
}

func convertJobModels(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
