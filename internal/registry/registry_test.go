package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(filepath.Join(t.TempDir(), "beta_runs.jsonl"), nil)
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func TestStartAndComplete(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	a, err := r.Start(ctx, StartRequest{ProjectID: "proj_a", ProjectName: "Project A", Environment: "test", Labels: map[string]any{"suite": "unit"}, Details: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.Status != StatusRunning || a.Environment != "test" || a.FinishedAt != nil || a.Schema != Schema {
		t.Errorf("started = %+v", a)
	}
	b, err := r.Start(ctx, StartRequest{ProjectID: "proj_b"})
	if err != nil {
		t.Fatal(err)
	}
	if b.Environment != "beta" {
		t.Errorf("default environment = %q", b.Environment)
	}

	done, err := r.Complete(ctx, a.RunID, CompleteRequest{Status: StatusSucceeded, FinishedBy: "ci", Details: map[string]any{"exit": 0.0}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusSucceeded || done.FinishedAt == nil || done.Details["k"] != "v" || done.Details["exit"] != 0.0 {
		t.Errorf("completed = %+v", done)
	}

	runs, err := r.List("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != a.RunID || runs[0].Status != StatusSucceeded {
		t.Fatalf("List = %+v", runs)
	}
	only, _ := r.List("proj_b", 10)
	if len(only) != 1 || only[0].RunID != b.RunID {
		t.Errorf("List(proj_b) = %+v", only)
	}
	limited, _ := r.List("", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d runs", len(limited))
	}

	projects, err := r.Projects(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0].ProjectID != "proj_a" || projects[0].LatestRun.Status != StatusSucceeded || projects[0].ProjectName != "Project A" {
		t.Errorf("Projects = %+v", projects)
	}
}

func TestCompleteErrors(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	run, err := r.Start(ctx, StartRequest{ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Complete(ctx, run.RunID, CompleteRequest{Status: StatusRunning}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("running status err = %v", err)
	}
	if _, err := r.Complete(ctx, "run-missing", CompleteRequest{Status: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown run err = %v", err)
	}
	if _, err := r.Start(ctx, StartRequest{ProjectID: "  "}); err == nil {
		t.Error("blank project accepted")
	}
}

func TestLatestSkipsForeignAndMalformedLines(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	run, err := r.Start(ctx, StartRequest{ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(r.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{broken\n{\"schema\":\"other\",\"run_id\":\"x\"}\n\n")
	f.Close()

	runs, err := r.List("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != run.RunID {
		t.Errorf("List = %+v", runs)
	}
}

func TestMissingStoreIsEmpty(t *testing.T) {
	r := newRegistry(t)
	runs, err := r.List("", 0)
	if err != nil || len(runs) != 0 {
		t.Errorf("List = %v, %v", runs, err)
	}
	projects, err := r.Projects(0)
	if err != nil || len(projects) != 0 {
		t.Errorf("Projects = %v, %v", projects, err)
	}
}
