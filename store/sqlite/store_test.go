package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
	"github.com/bozzfozz/backbeat/store/sqlite"
)

func setupStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := sqlite.New(db)
	t.Cleanup(func() {
		s.DB().Close() //nolint:errcheck
	})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newJob(name string, priority int) *job.Job {
	return &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      "default",
		State:      job.StatePending,
		Priority:   priority,
		MaxRetries: 3,
		Payload:    []byte(`{"path":"/music/incoming"}`),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestEnqueueGetUpdateDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	j := newJob("import_track", 5)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, j); !errors.Is(err, backbeat.ErrJobAlreadyExists) {
		t.Fatalf("duplicate enqueue = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "import_track" || got.State != job.StatePending {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() || got.RunAt.IsZero() {
		t.Error("enqueue should stamp creation and run times")
	}
	if string(got.Payload) != `{"path":"/music/incoming"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	got.State = job.StateCompleted
	got.Result = []byte(`{"imported":1}`)
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	again, _ := s.GetJob(ctx, j.ID)
	if again.State != job.StateCompleted || string(again.Result) != `{"imported":1}` {
		t.Errorf("after update: state=%s result=%s", again.State, again.Result)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, backbeat.ErrJobNotFound) {
		t.Errorf("GetJob after delete = %v, want ErrJobNotFound", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, backbeat.ErrJobNotFound) {
		t.Errorf("second delete = %v, want ErrJobNotFound", err)
	}
	if err := s.UpdateJob(ctx, got); !errors.Is(err, backbeat.ErrJobNotFound) {
		t.Errorf("update of deleted job = %v, want ErrJobNotFound", err)
	}
}

func TestClaimJob(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	j := newJob("spotify_sync", 0)
	s.EnqueueJob(ctx, j) //nolint:errcheck

	w1 := id.NewWorkerID()
	ok, err := s.ClaimJob(ctx, j.ID, w1)
	if err != nil || !ok {
		t.Fatalf("ClaimJob = (%v, %v), want (true, nil)", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.LockedBy.String() != w1.String() || got.LockedAt == nil {
		t.Errorf("lock not recorded: locked_by=%s locked_at=%v", got.LockedBy, got.LockedAt)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	// Second claim loses silently.
	ok, err = s.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("losing claim returned error: %v", err)
	}
	if ok {
		t.Fatal("claim on a locked job succeeded")
	}

	if _, err := s.ClaimJob(ctx, id.NewJobID(), w1); !errors.Is(err, backbeat.ErrJobNotFound) {
		t.Errorf("claim of unknown job = %v, want ErrJobNotFound", err)
	}
}

func TestClaimJob_AtMostOneWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	j := newJob("download_watch", 0)
	s.EnqueueJob(ctx, j) //nolint:errcheck

	const workers = 20
	var (
		wg   sync.WaitGroup
		wins sync.Map
		won  int
	)
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			if ok {
				wins.Store(i, true)
			}
		}()
	}
	close(start)
	wg.Wait()

	wins.Range(func(_, _ any) bool { won++; return true })
	if won != 1 {
		t.Fatalf("%d workers won the claim, want exactly 1", won)
	}
}

func TestRefreshLock(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	j := newJob("import_track", 0)
	s.EnqueueJob(ctx, j) //nolint:errcheck

	w := id.NewWorkerID()
	s.ClaimJob(ctx, j.ID, w) //nolint:errcheck

	before, _ := s.GetJob(ctx, j.ID)
	time.Sleep(5 * time.Millisecond)
	if err := s.RefreshLock(ctx, j.ID, w); err != nil {
		t.Fatalf("RefreshLock: %v", err)
	}
	after, _ := s.GetJob(ctx, j.ID)
	if !after.LockedAt.After(*before.LockedAt) {
		t.Error("RefreshLock did not advance locked_at")
	}

	if err := s.RefreshLock(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, backbeat.ErrInvalidState) {
		t.Errorf("RefreshLock by stranger = %v, want ErrInvalidState", err)
	}
}

func TestListDueJobs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	low := newJob("import_track", 1)
	high := newJob("library_scan", 10)
	future := newJob("spotify_sync", 20)
	future.RunAt = time.Now().Add(time.Hour)
	skipped := newJob("download_watch", 30)
	elsewhere := newJob("import_track", 40)
	elsewhere.Queue = "bulk"

	for _, j := range []*job.Job{low, high, future, skipped, elsewhere} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	due, err := s.ListDueJobs(ctx, []string{"default"}, []string{"download_watch"}, 0)
	if err != nil {
		t.Fatalf("ListDueJobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d jobs, want 2", len(due))
	}
	if due[0].Name != "library_scan" || due[1].Name != "import_track" {
		t.Errorf("order = [%s %s], want priority descending", due[0].Name, due[1].Name)
	}

	// A locked job is not due.
	s.ClaimJob(ctx, high.ID, id.NewWorkerID()) //nolint:errcheck
	due, _ = s.ListDueJobs(ctx, []string{"default"}, nil, 0)
	for _, j := range due {
		if j.ID.String() == high.ID.String() {
			t.Error("claimed job still listed as due")
		}
	}
}

func TestResetStaleJobs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	stale := newJob("import_track", 0)
	fresh := newJob("library_scan", 0)
	s.EnqueueJob(ctx, stale)                   //nolint:errcheck
	s.EnqueueJob(ctx, fresh)                   //nolint:errcheck
	s.ClaimJob(ctx, stale.ID, id.NewWorkerID()) //nolint:errcheck
	s.ClaimJob(ctx, fresh.ID, id.NewWorkerID()) //nolint:errcheck

	// Age the first job's lock past the timeout.
	j, _ := s.GetJob(ctx, stale.ID)
	old := time.Now().Add(-10 * time.Minute).UTC()
	j.LockedAt = &old
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	n, err := s.ResetStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ResetStaleJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	got, _ := s.GetJob(ctx, stale.ID)
	if got.State != job.StatePending || got.Locked() {
		t.Errorf("stale job = %s locked=%v, want pending unlocked", got.State, got.Locked())
	}
	still, _ := s.GetJob(ctx, fresh.ID)
	if still.State != job.StateRunning {
		t.Errorf("fresh job = %s, want still running", still.State)
	}

	n, _ = s.ResetStaleJobs(ctx, 5*time.Minute)
	if n != 0 {
		t.Errorf("second sweep reclaimed %d, want 0", n)
	}
}

func TestCancelAbandonedJobs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	old := newJob("import_track", 0)
	old.CreatedAt = time.Now().Add(-48 * time.Hour).UTC()
	recent := newJob("library_scan", 0)
	s.EnqueueJob(ctx, old)    //nolint:errcheck
	s.EnqueueJob(ctx, recent) //nolint:errcheck

	n, err := s.CancelAbandonedJobs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CancelAbandonedJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled %d, want 1", n)
	}

	got, _ := s.GetJob(ctx, old.ID)
	if got.State != job.StateCancelled || got.Note == "" {
		t.Errorf("abandoned job = %s note=%q, want cancelled with note", got.State, got.Note)
	}
	kept, _ := s.GetJob(ctx, recent.ID)
	if kept.State != job.StatePending {
		t.Errorf("recent job = %s, want pending", kept.State)
	}
}

func TestPurgeJobs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	done := newJob("import_track", 0)
	done.State = job.StateCompleted
	doneAt := time.Now().Add(-30 * 24 * time.Hour).UTC()
	done.CompletedAt = &doneAt

	zombie := newJob("library_scan", 0)
	zombie.CreatedAt = time.Now().Add(-48 * time.Hour).UTC()

	active := newJob("spotify_sync", 0)

	for _, j := range []*job.Job{done, zombie, active} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	n, err := s.PurgeJobs(ctx, 7*24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if _, err := s.GetJob(ctx, active.ID); err != nil {
		t.Error("active job was purged")
	}
}

func TestCountJobs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for range 3 {
		s.EnqueueJob(ctx, newJob("import_track", 0)) //nolint:errcheck
	}
	other := newJob("library_scan", 0)
	other.State = job.StateCompleted
	s.EnqueueJob(ctx, other) //nolint:errcheck

	n, err := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 3 {
		t.Errorf("pending count = %d, want 3", n)
	}
	n, _ = s.CountJobs(ctx, job.CountOpts{Name: "library_scan"})
	if n != 1 {
		t.Errorf("name count = %d, want 1", n)
	}
}

func TestListJobsByState(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := range 5 {
		if err := s.EnqueueJob(ctx, newJob("import_track", i)); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	jobs, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].Priority != 4 || jobs[1].Priority != 3 {
		t.Errorf("priorities = [%d %d], want [4 3]", jobs[0].Priority, jobs[1].Priority)
	}
}
