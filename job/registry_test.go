package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/bozzfozz/backbeat/job"
)

type importPayload struct {
	Path   string `json:"path"`
	Artist string `json:"artist"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got importPayload
	def := job.NewDefinition("import_track", func(_ context.Context, p importPayload) (any, error) {
		got = p
		return nil, nil
	})

	job.RegisterDefinition(r, def)

	h, ok := r.Get("import_track")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	payload, _ := json.Marshal(importPayload{Path: "/music/in/track.flac", Artist: "Boards of Canada"})
	if _, err := h(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Path != "/music/in/track.flac" {
		t.Errorf("Path = %q, want %q", got.Path, "/music/in/track.flac")
	}
	if got.Artist != "Boards of Canada" {
		t.Errorf("Artist = %q, want %q", got.Artist, "Boards of Canada")
	}
}

func TestRegistry_ResultSerialized(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("library_scan", func(_ context.Context, _ struct{}) (any, error) {
		return map[string]int{"tracks_seen": 42}, nil
	}))

	h, _ := r.Get("library_scan")
	result, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]int
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["tracks_seen"] != 42 {
		t.Errorf("tracks_seen = %d, want 42", decoded["tracks_seen"])
	}
}

func TestRegistry_NilResult(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("no-result", func(_ context.Context, _ struct{}) (any, error) {
		return nil, nil
	}))

	h, _ := r.Get("no-result")
	result, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %q", result)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered job")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := job.NewRegistry()

	job.RegisterDefinition(r, job.NewDefinition("job-a", func(_ context.Context, _ struct{}) (any, error) { return nil, nil }))
	job.RegisterDefinition(r, job.NewDefinition("job-b", func(_ context.Context, _ struct{}) (any, error) { return nil, nil }))
	job.RegisterDefinition(r, job.NewDefinition("job-c", func(_ context.Context, _ struct{}) (any, error) { return nil, nil }))

	names := r.Names()
	sort.Strings(names)
	if len(names) != 3 {
		t.Fatalf("expected 3 names, got %d", len(names))
	}
	expected := []string{"job-a", "job-b", "job-c"}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want)
		}
	}
}

func TestRegistry_InvalidJSON(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed-job", func(_ context.Context, _ importPayload) (any, error) {
		t.Fatal("handler should not be called with invalid JSON")
		return nil, nil
	}))

	h, _ := r.Get("typed-job")
	if _, err := h(context.Background(), []byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ struct{}) (any, error) {
		return nil, want
	}))

	h, _ := r.Get("failing")
	if _, err := h(context.Background(), nil); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestState_Terminal(t *testing.T) {
	tests := []struct {
		state    job.State
		terminal bool
	}{
		{job.StatePending, false},
		{job.StateRunning, false},
		{job.StateRetrying, false},
		{job.StateCompleted, true},
		{job.StateFailed, true},
		{job.StateCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}
