// Package betarun writes immutable, checksummed evidence containers for beta
// scenario runs and lists them together with review runs.
package betarun

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/paths"
)

// Schema tags beta run metadata.
const Schema = "gados.beta_run.v1"

// Recommendations.
const (
	GO               = "GO"
	NoGo             = "NO-GO"
	Review           = "REVIEW"
	GoWithExceptions = "GO_WITH_EXCEPTIONS"
)

// Confidence levels.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// ExitNotRun marks a check whose command could not be started.
const ExitNotRun = 127

const (
	betaRunsRel   = "log/reports/beta-runs"
	reviewRunsRel = "log/reports/review-runs"
	finalMarker   = ".finalized"
)

// ErrNotFound is returned for unknown or malformed run ids.
var ErrNotFound = errors.New("run not found")

// Check is the outcome of one evidence check.
type Check struct {
	ExitCode int    `json:"exit_code"`
	Required bool   `json:"required,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Status maps an exit code to PASS, FAIL or NOT_RUN.
func (c Check) Status() string {
	switch c.ExitCode {
	case 0:
		return "PASS"
	case ExitNotRun:
		return "NOT_RUN"
	}
	return "FAIL"
}

// Blocker is a PM-readable reason a run cannot go ahead.
type Blocker struct {
	Owner     string `json:"owner"`
	PMSummary string `json:"pm_summary"`
}

// Meta describes a finished scenario run.
type Meta struct {
	Scenario           string           `json:"scenario"`
	Recommendation     string           `json:"recommendation"`
	Summary            string           `json:"decision_summary"`
	RequiredNextAction string           `json:"required_next_action"`
	Blockers           []Blocker        `json:"pm_blockers"`
	TopFindings        []map[string]any `json:"top_findings"`
	EvidencePaths      []string         `json:"evidence_paths"`
	Checks             map[string]Check `json:"checks"`
	CorrelationID      string           `json:"correlation_id,omitempty"`
}

// Record is the run.json document.
type Record struct {
	Schema         string   `json:"schema"`
	RunID          string   `json:"run_id"`
	GeneratedAtUTC string   `json:"generated_at_utc"`
	Confidence     string   `json:"confidence"`
	NotRun         []string `json:"not_run"`
	Meta
}

// Result locates the artifacts of a written run.
type Result struct {
	RunID       string `json:"run_id"`
	RunRelDir   string `json:"run_rel_dir"`
	DecisionRel string `json:"decision_rel_path"`
}

// Confidence grades evidence completeness: no NOT_RUN checks is HIGH, up to
// two is MEDIUM, more is LOW. It also returns the sorted NOT_RUN names.
func Confidence(checks map[string]Check) (string, []string) {
	notRun := []string{}
	for name, c := range checks {
		if c.Status() == "NOT_RUN" {
			notRun = append(notRun, name)
		}
	}
	slices.Sort(notRun)
	switch {
	case len(notRun) == 0:
		return ConfidenceHigh, notRun
	case len(notRun) <= 2:
		return ConfidenceMedium, notRun
	}
	return ConfidenceLow, notRun
}

// Store writes and reads run containers under a project.
type Store struct {
	project   paths.Project
	publisher events.Publisher
	now       func() time.Time
}

// New returns a Store for p.
func New(p paths.Project, publisher events.Publisher) *Store {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Store{project: p, publisher: publisher, now: time.Now}
}

// Allocate reserves log/reports/beta-runs/BETA-<scenario>-<stamp>-NNN.
func (s *Store) Allocate(scenario string) (string, string, error) {
	root := filepath.Join(s.project.GadosRoot, filepath.FromSlash(betaRunsRel))
	return AllocateDir(root, func() string {
		return "BETA-" + scenario + "-" + s.now().UTC().Format("20060102-150405Z")
	})
}

// Write allocates a run directory and writes run.json, the decision
// artifact and SHA256SUMS.txt, then marks the run finalized.
func (s *Store) Write(ctx context.Context, meta Meta) (Result, error) {
	if !artifacts.ValidID(meta.Scenario) {
		return Result{}, fmt.Errorf("invalid scenario %q", meta.Scenario)
	}
	runID, dir, err := s.Allocate(meta.Scenario)
	if err != nil {
		return Result{}, err
	}
	confidence, notRun := Confidence(meta.Checks)
	if meta.Checks == nil {
		meta.Checks = map[string]Check{}
	}
	if meta.Blockers == nil {
		meta.Blockers = []Blocker{}
	}
	if meta.TopFindings == nil {
		meta.TopFindings = []map[string]any{}
	}
	if meta.EvidencePaths == nil {
		meta.EvidencePaths = []string{}
	}
	generated := s.now().UTC().Format(time.RFC3339)
	rec := Record{
		Schema:         Schema,
		RunID:          runID,
		GeneratedAtUTC: generated,
		Confidence:     confidence,
		NotRun:         notRun,
		Meta:           meta,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal run.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), append(data, '\n'), 0o644); err != nil {
		return Result{}, fmt.Errorf("write run.json: %w", err)
	}

	runRel := betaRunsRel + "/" + runID
	decisionRel := "decision/" + runID + ".md"
	if err := artifacts.Write(s.project, decisionRel, renderDecision(rec, runRel)); err != nil {
		return Result{}, err
	}
	if err := WriteSHA256Sums(dir); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, finalMarker), []byte("finalized\n"), 0o644); err != nil {
		return Result{}, fmt.Errorf("finalize run: %w", err)
	}

	if err := s.publisher.Publish(ctx, events.TopicRunFinalized, events.RunEvent{
		RunID:          runID,
		Scenario:       meta.Scenario,
		Recommendation: meta.Recommendation,
	}); err != nil {
		slog.Warn("failed to publish event", "topic", events.TopicRunFinalized, "run_id", runID, "error", err)
	}
	return Result{RunID: runID, RunRelDir: runRel, DecisionRel: decisionRel}, nil
}

func renderDecision(rec Record, runRel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Beta scenario decision\n\n", rec.RunID)
	fmt.Fprintf(&b, "**Generated (UTC)**: %s\n", rec.GeneratedAtUTC)
	fmt.Fprintf(&b, "**Scenario**: `%s`\n", rec.Scenario)
	if rec.CorrelationID != "" {
		fmt.Fprintf(&b, "**Correlation ID**: `%s`\n", rec.CorrelationID)
	}
	fmt.Fprintf(&b, "\n## Decision: **%s**\nConfidence: **%s**\n\n", rec.Recommendation, rec.Confidence)
	fmt.Fprintf(&b, "## Summary\n%s\n\n", rec.Summary)
	fmt.Fprintf(&b, "## Required next action\n%s\n\n", rec.RequiredNextAction)
	if len(rec.Blockers) > 0 {
		b.WriteString("## Blockers (PM language)\n")
		for _, bl := range rec.Blockers {
			owner := cmp.Or(bl.Owner, "Eng")
			fmt.Fprintf(&b, "- **%s**: %s\n", owner, bl.PMSummary)
		}
		b.WriteString("\n")
	}
	if len(rec.NotRun) > 0 {
		b.WriteString("## Missing evidence (NOT RUN)\n")
		for _, n := range rec.NotRun {
			fmt.Fprintf(&b, "- %s\n", n)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Evidence\n")
	fmt.Fprintf(&b, "- Run metadata: `%s/run.json`\n", runRel)
	fmt.Fprintf(&b, "- SHA256SUMS: `%s/%s`\n", runRel, SumsFile)
	for _, p := range rec.EvidencePaths {
		fmt.Fprintf(&b, "- `%s`\n", p)
	}
	return b.String()
}

// Summary is one row of the run listing.
type Summary struct {
	RunID          string `json:"run_id"`
	Scenario       string `json:"scenario"`
	Decision       string `json:"decision"`
	GeneratedAtUTC string `json:"generated_at_utc"`
	DetailURL      string `json:"detail_url"`
}

// List returns review and beta runs, newest first by (generated_at_utc, run_id).
func (s *Store) List() ([]Summary, error) {
	var out []Summary
	for _, src := range []struct{ rel, fallback string }{
		{reviewRunsRel, "code-review-factory"},
		{betaRunsRel, "beta-scenario"},
	} {
		runs, err := s.listDir(src.rel, src.fallback)
		if err != nil {
			return nil, err
		}
		out = append(out, runs...)
	}
	slices.SortStableFunc(out, func(a, b Summary) int {
		if c := cmp.Compare(b.GeneratedAtUTC, a.GeneratedAtUTC); c != 0 {
			return c
		}
		return cmp.Compare(b.RunID, a.RunID)
	})
	return out, nil
}

func (s *Store) listDir(rel, fallbackScenario string) ([]Summary, error) {
	root := filepath.Join(s.project.GadosRoot, filepath.FromSlash(rel))
	des, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	var out []Summary
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		meta, ok := readMeta(filepath.Join(root, de.Name(), "run.json"))
		if !ok {
			continue
		}
		id := cmp.Or(str(meta["run_id"]), de.Name())
		out = append(out, Summary{
			RunID:          id,
			Scenario:       cmp.Or(str(meta["scenario"]), fallbackScenario),
			Decision:       cmp.Or(str(meta["recommendation"]), "UNKNOWN"),
			GeneratedAtUTC: str(meta["generated_at_utc"]),
			DetailURL:      "/beta/runs/" + id,
		})
	}
	return out, nil
}

// Detail is a run with the evidence paths a reviewer should open.
type Detail struct {
	RunID            string         `json:"run_id"`
	RunKey           string         `json:"run_key,omitempty"`
	Meta             map[string]any `json:"run"`
	DecisionRel      string         `json:"decision_rel"`
	SumsRel          string         `json:"sums_rel"`
	EvidencePaths    []string       `json:"evidence_paths"`
	OverrideRequired bool           `json:"override_required"`
	OverrideRel      string         `json:"override_rel,omitempty"`
}

// Get loads one run. REVIEW-* ids resolve to review runs, others to beta runs.
func (s *Store) Get(runID string) (*Detail, error) {
	if !artifacts.ValidID(runID) {
		return nil, ErrNotFound
	}
	d := &Detail{RunID: runID, DecisionRel: "decision/" + runID + ".md"}
	if strings.HasPrefix(runID, "REVIEW-") {
		runRel := reviewRunsRel + "/" + runID
		d.SumsRel = runRel + "/" + SumsFile
		d.EvidencePaths = []string{
			runRel + "/REVIEW_PACK.md",
			runRel + "/Executive_Summary.md",
			runRel + "/Findings.csv",
			d.SumsRel,
			d.DecisionRel,
		}
		d.RunKey = RunKeyFromRunID(runID)
	} else {
		runRel := betaRunsRel + "/" + runID
		d.SumsRel = runRel + "/" + SumsFile
		d.EvidencePaths = []string{runRel + "/run.json", d.SumsRel, d.DecisionRel}
	}

	meta, ok := readMeta(filepath.Join(s.project.GadosRoot, filepath.FromSlash(filepath.Dir(d.SumsRel)), "run.json"))
	if !ok {
		return nil, ErrNotFound
	}
	d.Meta = meta
	if d.RunKey != "" {
		d.OverrideRequired, _ = meta["override_required"].(bool)
		d.OverrideRel = strings.TrimPrefix(str(meta["override_artifact"]), "gados-project/")
	} else if extra, ok := meta["evidence_paths"].([]any); ok {
		for _, p := range extra {
			if ps := str(p); ps != "" {
				d.EvidencePaths = append(d.EvidencePaths, ps)
			}
		}
	}
	return d, nil
}

// RunKeyFromRunID extracts <run_key> from REVIEW-<run_key>-NNN.
func RunKeyFromRunID(runID string) string {
	rest, ok := strings.CutPrefix(runID, "REVIEW-")
	if !ok {
		return "unknown"
	}
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return rest
}

func readMeta(path string) (map[string]any, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil || len(m) == 0 {
		return nil, false
	}
	return m, true
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
