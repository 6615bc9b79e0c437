package betarun

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/paths"
)

type topicRecorder struct {
	mu     sync.Mutex
	events []events.RunEvent
}

func (r *topicRecorder) Publish(_ context.Context, _ string, ev any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.(events.RunEvent))
	return nil
}

func (r *topicRecorder) Close() error { return nil }

func newStore(t *testing.T) (*Store, paths.Project, *topicRecorder) {
	t.Helper()
	repo := t.TempDir()
	p := paths.New(repo, filepath.Join(repo, "gados-project"))
	rec := &topicRecorder{}
	s := New(p, rec)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, p, rec
}

func TestConfidence(t *testing.T) {
	for _, tc := range []struct {
		name   string
		checks map[string]Check
		want   string
		notRun int
	}{
		{"NoChecks", nil, ConfidenceHigh, 0},
		{"AllRanSomeFailed", map[string]Check{"a": {ExitCode: 0}, "b": {ExitCode: 1}}, ConfidenceHigh, 0},
		{"OneNotRun", map[string]Check{"a": {ExitCode: 127}, "b": {ExitCode: 0}}, ConfidenceMedium, 1},
		{"TwoNotRun", map[string]Check{"a": {ExitCode: 127}, "b": {ExitCode: 127}}, ConfidenceMedium, 2},
		{"ThreeNotRun", map[string]Check{"a": {ExitCode: 127}, "b": {ExitCode: 127}, "c": {ExitCode: 127}}, ConfidenceLow, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, notRun := Confidence(tc.checks)
			if got != tc.want || len(notRun) != tc.notRun {
				t.Errorf("Confidence = %s %v, want %s with %d not run", got, notRun, tc.want, tc.notRun)
			}
		})
	}
}

func TestAllocateSequences(t *testing.T) {
	s, p, _ := newStore(t)
	first, _, err := s.Allocate("spend")
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := s.Allocate("spend")
	if err != nil {
		t.Fatal(err)
	}
	if first != "BETA-spend-20260301-120000Z-001" || second != "BETA-spend-20260301-120000Z-002" {
		t.Errorf("ids = %s, %s", first, second)
	}
	// A stray file with the same prefix does not count.
	if err := artifacts.Write(p, "log/reports/beta-runs/BETA-spend-20260301-120000Z-009", "x"); err != nil {
		t.Fatal(err)
	}
	third, _, _ := s.Allocate("spend")
	if third != "BETA-spend-20260301-120000Z-003" {
		t.Errorf("third = %s", third)
	}
}

func TestAllocateConcurrentIsUnique(t *testing.T) {
	s, _, _ := newStore(t)
	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := s.Allocate("race")
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != n {
		t.Errorf("got %d unique ids, want %d", len(ids), n)
	}
}

func TestAllocateExhausted(t *testing.T) {
	root := t.TempDir()
	// A base that always collides: the directory named by seq 1 is a file.
	if err := os.WriteFile(filepath.Join(root, "X-001"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := AllocateDir(root, func() string { return "X" })
	if !errors.Is(err, ErrAllocExhausted) {
		t.Errorf("err = %v, want ErrAllocExhausted", err)
	}
}

func TestWriteProducesContainer(t *testing.T) {
	s, p, rec := newStore(t)
	res, err := s.Write(context.Background(), Meta{
		Scenario:           "daily-spend-guardrail",
		Recommendation:     NoGo,
		Summary:            "Spend crossed CRITICAL.",
		RequiredNextAction: "Raise budget or stop work.",
		Blockers:           []Blocker{{PMSummary: "Budget exhausted"}},
		EvidencePaths:      []string{"decision/ESCALATION-001.md"},
		Checks:             map[string]Check{"ledger": {ExitCode: 0}, "webhook": {ExitCode: 127}},
		CorrelationID:      "corr-1",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	dir := filepath.Join(p.GadosRoot, filepath.FromSlash(res.RunRelDir))

	var got map[string]any
	data, _ := os.ReadFile(filepath.Join(dir, "run.json"))
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("run.json: %v", err)
	}
	if got["schema"] != Schema || got["confidence"] != ConfidenceMedium || got["recommendation"] != NoGo || got["run_id"] != res.RunID {
		t.Errorf("run.json = %v", got)
	}

	sums, _ := os.ReadFile(filepath.Join(dir, SumsFile))
	if !strings.Contains(string(sums), "  run.json\n") || strings.Contains(string(sums), SumsFile) {
		t.Errorf("SHA256SUMS = %q", sums)
	}
	if _, err := os.Stat(filepath.Join(dir, finalMarker)); err != nil {
		t.Errorf("missing finalized marker: %v", err)
	}

	md, err := artifacts.Read(p, res.DecisionRel)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"## Decision: **NO-GO**", "Confidence: **MEDIUM**", "- **Eng**: Budget exhausted", "## Missing evidence (NOT RUN)\n- webhook", "`decision/ESCALATION-001.md`"} {
		if !strings.Contains(md, want) {
			t.Errorf("decision missing %q:\n%s", want, md)
		}
	}
	if len(rec.events) != 1 || rec.events[0].RunID != res.RunID {
		t.Errorf("published = %v", rec.events)
	}

	if _, err := s.Write(context.Background(), Meta{Scenario: "../x"}); err == nil {
		t.Error("unsafe scenario accepted")
	}
}

func TestListAndGet(t *testing.T) {
	s, p, _ := newStore(t)
	beta, err := s.Write(context.Background(), Meta{Scenario: "sla", Recommendation: GO, EvidencePaths: []string{"log/reports/SLA.md"}})
	if err != nil {
		t.Fatal(err)
	}
	review := map[string]any{
		"run_id": "REVIEW-main-2026-001", "recommendation": NoGo, "generated_at_utc": "2026-03-02T00:00:00Z",
		"override_required": true, "override_artifact": "gados-project/decision/OVERRIDE-main-2026.md",
	}
	raw, _ := json.Marshal(review)
	if err := artifacts.Write(p, "log/reports/review-runs/REVIEW-main-2026-001/run.json", string(raw)); err != nil {
		t.Fatal(err)
	}
	if err := artifacts.Write(p, "log/reports/review-runs/REVIEW-broken-001/run.json", "not json"); err != nil {
		t.Fatal(err)
	}

	runs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "REVIEW-main-2026-001" || runs[0].Scenario != "code-review-factory" || runs[1].RunID != beta.RunID {
		t.Fatalf("List = %+v", runs)
	}

	d, err := s.Get("REVIEW-main-2026-001")
	if err != nil {
		t.Fatal(err)
	}
	if d.RunKey != "main-2026" || !d.OverrideRequired || d.OverrideRel != "decision/OVERRIDE-main-2026.md" || !strings.HasSuffix(d.EvidencePaths[0], "REVIEW_PACK.md") {
		t.Errorf("review detail = %+v", d)
	}

	d, err = s.Get(beta.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.EvidencePaths) != 4 || d.EvidencePaths[3] != "log/reports/SLA.md" || !strings.HasSuffix(d.EvidencePaths[0], "/run.json") {
		t.Errorf("beta evidence = %v", d.EvidencePaths)
	}

	for _, id := range []string{"BETA-nope-001", "../../etc", "REVIEW-broken-001"} {
		if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
	}
}

func TestRunKeyFromRunID(t *testing.T) {
	for in, want := range map[string]string{
		"REVIEW-main-001":    "main",
		"REVIEW-rel-1.2-003": "rel-1.2",
		"BETA-x-001":         "unknown",
		"REVIEW-solo":        "solo",
	} {
		if got := RunKeyFromRunID(in); got != want {
			t.Errorf("RunKeyFromRunID(%q) = %q, want %q", in, got, want)
		}
	}
}
