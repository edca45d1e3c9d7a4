package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bozzfozz/backbeat/ext"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// recordingExtension opts in to a subset of hooks and records calls.
type recordingExtension struct {
	enqueued  int
	completed int
	flushes   int
	shutdowns int
	err       error
}

func (r *recordingExtension) Name() string { return "recording" }

func (r *recordingExtension) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	r.enqueued++
	return r.err
}

func (r *recordingExtension) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	r.completed++
	return r.err
}

func (r *recordingExtension) OnFlushCompleted(_ context.Context, _, _ int, _ time.Duration) error {
	r.flushes++
	return r.err
}

func (r *recordingExtension) OnShutdown(_ context.Context) error {
	r.shutdowns++
	return r.err
}

func testJob() *job.Job {
	return &job.Job{ID: id.NewJobID(), Name: "library_scan", Queue: "default"}
}

func TestRegistry_EmitsToImplementedHooks(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	rec := &recordingExtension{}
	r.Register(rec)

	ctx := context.Background()
	r.EmitJobEnqueued(ctx, testJob())
	r.EmitJobCompleted(ctx, testJob(), time.Second)
	r.EmitFlushCompleted(ctx, 10, 0, time.Millisecond)
	r.EmitShutdown(ctx)

	if rec.enqueued != 1 || rec.completed != 1 || rec.flushes != 1 || rec.shutdowns != 1 {
		t.Fatalf("hook counts = %+v, want one call each", rec)
	}
}

func TestRegistry_SkipsUnimplementedHooks(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	r.Register(&recordingExtension{})

	// recordingExtension does not implement JobFailed or JobRetrying;
	// emitting must be a harmless no-op.
	r.EmitJobFailed(context.Background(), testJob(), errors.New("x"))
	r.EmitJobRetrying(context.Background(), testJob(), 1, time.Now())
}

func TestRegistry_HookErrorsAreSwallowed(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	first := &recordingExtension{err: errors.New("hook failed")}
	second := &recordingExtension{}
	r.Register(first)
	r.Register(second)

	r.EmitJobEnqueued(context.Background(), testJob())

	// The failing hook must not prevent later extensions from running.
	if second.enqueued != 1 {
		t.Fatal("second extension not notified after first errored")
	}
}

func TestRegistry_Extensions(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	a := &recordingExtension{}
	b := &recordingExtension{}
	r.Register(a)
	r.Register(b)

	exts := r.Extensions()
	if len(exts) != 2 {
		t.Fatalf("expected 2 extensions, got %d", len(exts))
	}
}
