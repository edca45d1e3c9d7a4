package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/backoff"
	"github.com/bozzfozz/backbeat/breaker"
	"github.com/bozzfozz/backbeat/engine"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
	"github.com/bozzfozz/backbeat/monitor"
	"github.com/bozzfozz/backbeat/store/memory"
	"github.com/bozzfozz/backbeat/writeback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConductor(t *testing.T, ms *memory.Store) *backbeat.Conductor {
	t.Helper()
	cfg := backbeat.DefaultConfig()
	cfg.RedeliverInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Second
	c, err := backbeat.New(
		backbeat.WithConfig(cfg),
		backbeat.WithStore(ms),
		backbeat.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("backbeat.New: %v", err)
	}
	return c
}

func waitForState(t *testing.T, ms *memory.Store, jobID id.JobID, want job.State) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := ms.GetJob(context.Background(), jobID)
		if err == nil && j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := ms.GetJob(context.Background(), jobID)
	t.Fatalf("job never reached %s, last seen: %+v", want, j)
	return nil
}

type importInput struct {
	Path string `json:"path"`
}

func TestBuild_RequiresStore(t *testing.T) {
	c, err := backbeat.New(backbeat.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("backbeat.New: %v", err)
	}
	if _, err := engine.Build(c); !errors.Is(err, backbeat.ErrNoStore) {
		t.Fatalf("Build without store = %v, want ErrNoStore", err)
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	ms := memory.New()
	c := newConductor(t, ms)
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var runs atomic.Int32
	engine.Register(eng, job.NewDefinition("import_track",
		func(_ context.Context, in importInput) (any, error) {
			runs.Add(1)
			return map[string]string{"imported": in.Path}, nil
		}))

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx) //nolint:errcheck

	j, err := engine.Enqueue(ctx, eng, "import_track", importInput{Path: "/music/a.flac"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitForState(t, ms, j.ID, job.StateCompleted)
	if runs.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", runs.Load())
	}
	if !strings.Contains(string(done.Result), "/music/a.flac") {
		t.Errorf("result = %s", done.Result)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Jobs[job.StateCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", stats.Jobs[job.StateCompleted])
	}
	if stats.QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0", stats.QueueDepth)
	}
}

func TestEngine_RetriesUntilTerminalFailure(t *testing.T) {
	ms := memory.New()
	c := newConductor(t, ms)
	eng, err := engine.Build(c, engine.WithBackoff(backoff.NewConstant(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var runs atomic.Int32
	engine.Register(eng, job.NewDefinition("spotify_sync",
		func(_ context.Context, _ importInput) (any, error) {
			runs.Add(1)
			return nil, errors.New("rate limited")
		}))

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx) //nolint:errcheck

	j, err := engine.Enqueue(ctx, eng, "spotify_sync", importInput{}, job.WithMaxRetries(2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failed := waitForState(t, ms, j.ID, job.StateFailed)
	if failed.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", failed.RetryCount)
	}
	if runs.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", runs.Load())
	}
	if failed.LastError == "" {
		t.Error("terminal job has no recorded error")
	}
}

func TestEngine_StartRecoversPersistedJobs(t *testing.T) {
	ms := memory.New()

	// A job persisted by a previous process that crashed before
	// finishing it.
	orphan := &job.Job{
		ID:         id.NewJobID(),
		Name:       "library_scan",
		Queue:      "default",
		State:      job.StatePending,
		MaxRetries: 3,
	}
	if err := ms.EnqueueJob(context.Background(), orphan); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	c := newConductor(t, ms)
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	engine.Register(eng, job.NewDefinition("library_scan",
		func(_ context.Context, _ importInput) (any, error) { return nil, nil }))

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx) //nolint:errcheck

	waitForState(t, ms, orphan.ID, job.StateCompleted)
}

func TestEngine_RecoverExcludesNamedTypes(t *testing.T) {
	ms := memory.New()
	ctx := context.Background()

	excluded := &job.Job{
		ID: id.NewJobID(), Name: "spotify_sync", Queue: "default",
		State: job.StatePending, MaxRetries: 3,
	}
	loaded := &job.Job{
		ID: id.NewJobID(), Name: "import_track", Queue: "default",
		State: job.StatePending, MaxRetries: 3,
	}
	for _, j := range []*job.Job{excluded, loaded} {
		if err := ms.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	c := newConductor(t, ms)
	eng, err := engine.Build(c, engine.WithRecoverExcludes("spotify_sync"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	engine.Register(eng, job.NewDefinition("import_track",
		func(_ context.Context, _ importInput) (any, error) { return nil, nil }))

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx) //nolint:errcheck

	waitForState(t, ms, loaded.ID, job.StateCompleted)
	got, _ := ms.GetJob(ctx, excluded.ID)
	if got.State != job.StatePending {
		t.Errorf("excluded job = %s, want still pending", got.State)
	}
}

func TestEngine_CancelPendingJob(t *testing.T) {
	ms := memory.New()
	c := newConductor(t, ms)
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// No Start: the job stays pending.
	ctx := context.Background()
	j, err := eng.EnqueueRaw(ctx, "download_watch", []byte(`{}`))
	if err != nil {
		t.Fatalf("EnqueueRaw: %v", err)
	}

	cancelled, err := eng.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !cancelled {
		t.Fatal("pending job was not cancelled immediately")
	}

	got, _ := eng.GetJob(ctx, j.ID)
	if got.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	if _, err := eng.CancelJob(ctx, j.ID); !errors.Is(err, backbeat.ErrNotCancellable) {
		t.Errorf("second cancel = %v, want ErrNotCancellable", err)
	}
}

func TestEnqueue_RejectsUnmarshalablePayload(t *testing.T) {
	ms := memory.New()
	c := newConductor(t, ms)
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := engine.Enqueue(context.Background(), eng, "bad", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

// ── Optional subsystems ─────────────────────────────

type recordingFlusher struct {
	mu      sync.Mutex
	batches []writeback.TableBatch
}

func (f *recordingFlusher) FlushTable(_ context.Context, b writeback.TableBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return nil
}

func (f *recordingFlusher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type staticSource struct {
	items []monitor.Item
}

func (s *staticSource) ListItems(_ context.Context) ([]monitor.Item, error) {
	return s.items, nil
}

func TestEngine_WriteBehindAndReconciler(t *testing.T) {
	ms := memory.New()
	c := newConductor(t, ms)

	flusher := &recordingFlusher{}
	source := &staticSource{items: []monitor.Item{
		{ID: "dl-1", Filename: "a.flac", State: "InProgress", Progress: 0.5},
	}}
	var applied atomic.Int32

	eng, err := engine.Build(c,
		engine.WithWriteBehind(flusher, writeback.WithFlushInterval(time.Hour)),
		engine.WithReconciler(source,
			func(_ context.Context, items []monitor.Item) error {
				applied.Add(int32(len(items)))
				return nil
			},
			monitor.WithInterval(10*time.Millisecond),
		),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := eng.Cache().BufferUpsert(ctx, "tracks", "id", 1, map[string]any{"title": "a"}); err != nil {
		t.Fatalf("BufferUpsert: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for applied.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if applied.Load() == 0 {
		t.Fatal("reconciler never applied items")
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Writeback["tracks"] != 1 {
		t.Errorf("writeback depth = %v, want tracks:1", stats.Writeback)
	}
	if stats.Breaker != breaker.StateClosed {
		t.Errorf("breaker = %s, want closed", stats.Breaker)
	}
	if !stats.ReconcilerHealthy {
		t.Error("reconciler reported unhealthy after a successful pass")
	}

	// Stop takes the final flush even with a long flush interval.
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if flusher.batchCount() == 0 {
		t.Error("buffered upsert never flushed on shutdown")
	}
}

func TestEngine_Accessors(t *testing.T) {
	ms := memory.New()
	c := newConductor(t, ms)
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if eng.Conductor() != c {
		t.Error("Conductor() mismatch")
	}
	if eng.Queue() == nil || eng.Registry() == nil || eng.Extensions() == nil || eng.Janitor() == nil {
		t.Error("core subsystem accessor returned nil")
	}
	if eng.Cache() != nil || eng.Reconciler() != nil {
		t.Error("optional subsystems should be nil when not configured")
	}
	if eng.WorkerID().IsNil() {
		t.Error("worker ID not assigned")
	}
	if eng.QueueManager() != nil {
		t.Error("queue manager should be nil without queue configs")
	}
}
