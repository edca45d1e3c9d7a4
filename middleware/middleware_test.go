package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
	"github.com/bozzfozz/backbeat/middleware"
)

func testJob() *job.Job {
	return &job.Job{
		ID:    id.NewJobID(),
		Name:  "import_track",
		Queue: "default",
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
			order = append(order, name+"-pre")
			err := next(ctx)
			order = append(order, name+"-post")
			return err
		}
	}

	chain := middleware.Chain(mk("outer"), mk("inner"))
	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"outer-pre", "inner-pre", "handler", "inner-post", "outer-post"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatal("empty chain should call the handler directly")
	}
}

func TestChain_ErrorPropagates(t *testing.T) {
	want := errors.New("boom")
	chain := middleware.Chain(middleware.Recover())
	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	chain := middleware.Chain(middleware.Recover())
	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		panic("tag reader exploded")
	})
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if !strings.Contains(err.Error(), "tag reader exploded") {
		t.Errorf("error %q should contain the panic value", err)
	}
}

func TestTimeout_CancelsLongHandler(t *testing.T) {
	j := testJob()
	j.Timeout = 20 * time.Millisecond

	chain := middleware.Chain(middleware.Timeout())
	err := chain(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroMeansUnlimited(t *testing.T) {
	chain := middleware.Chain(middleware.Timeout())
	err := chain(context.Background(), testJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("no deadline expected for zero timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	want := errors.New("handler error")

	chain := middleware.Chain(middleware.Logging(logger))
	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
