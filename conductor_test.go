package backbeat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bozzfozz/backbeat"
)

type fakeRunner struct {
	name    string
	started *[]string
	stopped *[]string
}

func (r *fakeRunner) Start(_ context.Context) error {
	*r.started = append(*r.started, r.name)
	return nil
}

func (r *fakeRunner) Stop(_ context.Context) error {
	*r.stopped = append(*r.stopped, r.name)
	return nil
}

func TestConductor_StartWithoutRunners(t *testing.T) {
	c, err := backbeat.New(backbeat.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Start(context.Background()); !errors.Is(err, backbeat.ErrNoRunners) {
		t.Fatalf("Start with no runners = %v, want ErrNoRunners", err)
	}
}

func TestConductor_StopsRunnersInReverseOrder(t *testing.T) {
	c, err := backbeat.New(backbeat.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var started, stopped []string
	for _, name := range []string{"cache", "durable", "pool"} {
		c.AddRunner(&fakeRunner{name: name, started: &started, stopped: &stopped})
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	wantStarted := []string{"cache", "durable", "pool"}
	wantStopped := []string{"pool", "durable", "cache"}
	for i, name := range wantStarted {
		if started[i] != name {
			t.Fatalf("start order = %v, want %v", started, wantStarted)
		}
	}
	for i, name := range wantStopped {
		if stopped[i] != name {
			t.Fatalf("stop order = %v, want %v", stopped, wantStopped)
		}
	}
}
