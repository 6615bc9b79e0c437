// Package review builds code review packs: it runs the configured checks,
// gates the result into a GO/NO-GO recommendation and writes an immutable,
// checksummed run folder with a PM-readable decision.
package review

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// Schema tags review run metadata.
const Schema = "gados.review_run.v1"

// ChecksRel is the default checks config.
const ChecksRel = "memory/REVIEW_CHECKS.yaml"

// ValidatorCheck is the built-in governance check every run includes.
const ValidatorCheck = "governance_validator"

const (
	runsRel     = "log/reports/review-runs"
	scenario    = "code-review-factory"
	maxParallel = 4
	excerptLen  = 200
)

// CheckSpec is one configured check.
type CheckSpec struct {
	Name           string `yaml:"name" json:"name"`
	Command        string `yaml:"command" json:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Required       bool   `yaml:"required" json:"required"`
}

type checksFile struct {
	Checks []CheckSpec `yaml:"checks"`
}

// LoadChecks reads the checks config at rel. A missing file yields no
// checks.
func LoadChecks(p paths.Project, rel string) ([]CheckSpec, error) {
	if !artifacts.Exists(p, rel) {
		return nil, nil
	}
	var f checksFile
	if err := artifacts.LoadYAML(p, rel, &f); err != nil {
		return nil, err
	}
	seen := map[string]bool{ValidatorCheck: true}
	for _, c := range f.Checks {
		if !artifacts.ValidID(c.Name) || strings.TrimSpace(c.Command) == "" {
			return nil, artifacts.InputError(fmt.Sprintf("invalid check %q", c.Name))
		}
		if seen[c.Name] {
			return nil, artifacts.InputError(fmt.Sprintf("duplicate check %q", c.Name))
		}
		seen[c.Name] = true
	}
	return f.Checks, nil
}

// Result describes a written review run.
type Result struct {
	RunID            string                   `json:"run_id"`
	RunKey           string                   `json:"run_key"`
	RunRelDir        string                   `json:"run_rel_dir"`
	DecisionRel      string                   `json:"decision_rel_path"`
	Recommendation   string                   `json:"recommendation"`
	Confidence       string                   `json:"confidence"`
	BlockedReasons   []string                 `json:"blocked_reasons"`
	OverrideRequired bool                     `json:"override_required"`
	Checks           map[string]betarun.Check `json:"checks"`
}

// Blocked reports whether the run is NO-GO without an override.
func (r *Result) Blocked() bool { return r.OverrideRequired }

// Runner executes review runs for a project.
type Runner struct {
	project   paths.Project
	publisher events.Publisher
	now       func() time.Time
	exec      func(ctx context.Context, command string, timeoutSec int, cwd string, env map[string]string) Outcome
}

// New returns a Runner for p.
func New(p paths.Project, publisher events.Publisher) *Runner {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Runner{project: p, publisher: publisher, now: time.Now, exec: Execute}
}

// Run executes the governance validator and checks concurrently, then writes
// log/reports/review-runs/REVIEW-<runKey>-NNN.
func (r *Runner) Run(ctx context.Context, runKey string, checks []CheckSpec) (*Result, error) {
	runKey = strings.TrimSpace(runKey)
	if len(runKey) > 80 || !artifacts.ValidID(runKey) {
		return nil, artifacts.InputError("invalid run_key")
	}
	root := filepath.Join(r.project.GadosRoot, filepath.FromSlash(runsRel))
	runID, dir, err := betarun.AllocateDir(root, func() string { return "REVIEW-" + runKey })
	if err != nil {
		return nil, err
	}
	evidence := filepath.Join(dir, "Evidence")
	if err := os.MkdirAll(evidence, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}

	outcomes, err := r.runChecks(ctx, checks)
	if err != nil {
		return nil, err
	}
	res := &Result{
		RunID:     runID,
		RunKey:    runKey,
		RunRelDir: runsRel + "/" + runID,
		Checks:    make(map[string]betarun.Check, len(outcomes)),
	}
	for name, o := range outcomes {
		res.Checks[name] = o
		if err := os.WriteFile(filepath.Join(evidence, name+".txt"), []byte(o.Output+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write evidence %s: %w", name, err)
		}
	}

	res.Confidence, _ = betarun.Confidence(res.Checks)
	res.BlockedReasons = gate(res.Checks)
	overrideRel := artifacts.OverrideRel(runKey)
	overridden := HasOverride(r.project, runKey)
	switch {
	case len(res.BlockedReasons) == 0:
		res.Recommendation = betarun.GO
	case overridden:
		res.Recommendation = betarun.GoWithExceptions
		res.BlockedReasons = append(res.BlockedReasons, "Human override present: gados-project/"+overrideRel)
	default:
		res.Recommendation = betarun.NoGo
		res.OverrideRequired = true
	}

	now := r.now().UTC()
	if err := r.writePack(dir, res, now); err != nil {
		return nil, err
	}
	if err := betarun.WriteSHA256Sums(dir); err != nil {
		return nil, err
	}
	if err := r.writeRunJSON(dir, res, now, overrideRel); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ".finalized"), []byte("finalized\n"), 0o644); err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	res.DecisionRel = "decision/" + runID + ".md"
	if !artifacts.Exists(r.project, res.DecisionRel) {
		if err := artifacts.Write(r.project, res.DecisionRel, renderDecision(res, now, overrideRel)); err != nil {
			return nil, err
		}
	}

	if err := r.publisher.Publish(ctx, events.TopicRunFinalized, events.RunEvent{
		RunID:          runID,
		Scenario:       scenario,
		Recommendation: res.Recommendation,
	}); err != nil {
		slog.Warn("failed to publish event", "topic", events.TopicRunFinalized, "run_id", runID, "error", err)
	}
	return res, nil
}

func (r *Runner) runChecks(ctx context.Context, specs []CheckSpec) (map[string]betarun.Check, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]betarun.Check, len(specs)+1)
	)
	out[ValidatorCheck] = r.validatorCheck()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, spec := range specs {
		g.Go(func() error {
			o := r.exec(gctx, spec.Command, spec.TimeoutSeconds, r.project.RepoRoot, map[string]string{
				"GADOS_ROOT": r.project.GadosRoot,
			})
			mu.Lock()
			out[spec.Name] = betarun.Check{ExitCode: o.ExitCode, Required: spec.Required, Output: o.Output}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) validatorCheck() betarun.Check {
	findings, err := validator.Validate(r.project)
	if err != nil {
		return betarun.Check{ExitCode: ExitNotRun, Required: true, Output: err.Error()}
	}
	c := betarun.Check{Required: true, Output: strings.TrimSpace(validator.FormatText(findings))}
	if validator.HasErrors(findings) {
		c.ExitCode = 1
	}
	return c
}

// gate lists the reasons a run is blocked: every required check that failed.
// Checks that could not run lower confidence instead.
func gate(checks map[string]betarun.Check) []string {
	reasons := []string{}
	for _, name := range sortedNames(checks) {
		c := checks[name]
		if !c.Required || c.Status() != "FAIL" {
			continue
		}
		if name == ValidatorCheck {
			reasons = append(reasons, "Governance validator failed")
			continue
		}
		reasons = append(reasons, fmt.Sprintf("Required check %s failed (exit %d)", name, c.ExitCode))
	}
	return reasons
}

// HasOverride reports whether decision/OVERRIDE-<runKey>.md carries an
// explicit human sign-off.
func HasOverride(p paths.Project, runKey string) bool {
	text, err := artifacts.Read(p, artifacts.OverrideRel(runKey))
	if err != nil {
		return false
	}
	t := strings.ToLower(text)
	return strings.Contains(t, "decision:") && strings.Contains(t, "override") &&
		(strings.Contains(t, "approved_by") || strings.Contains(t, "approved by"))
}

// PMReason rewrites a technical blocker in plain language with an owner.
func PMReason(reason string) betarun.Blocker {
	r := strings.ToLower(reason)
	switch {
	case strings.HasPrefix(r, "governance validator failed"):
		return betarun.Blocker{Owner: "Eng", PMSummary: "Governance rules failed (required artifacts missing). Release blocked until corrected."}
	case strings.HasPrefix(r, "required check"):
		return betarun.Blocker{Owner: "Eng", PMSummary: reason + ". Release blocked until it passes."}
	case strings.HasPrefix(r, "human override present"):
		return betarun.Blocker{Owner: "HumanAuthority", PMSummary: reason}
	}
	return betarun.Blocker{Owner: "Eng", PMSummary: reason}
}

func sortedNames(checks map[string]betarun.Check) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > excerptLen {
		s = s[:excerptLen] + "..."
	}
	return s
}

func (r *Runner) writePack(dir string, res *Result, now time.Time) error {
	var csvBuf strings.Builder
	w := csv.NewWriter(&csvBuf)
	_ = w.Write([]string{"name", "status", "exit_code", "required", "output_excerpt"})
	for _, name := range sortedNames(res.Checks) {
		c := res.Checks[name]
		_ = w.Write([]string{name, c.Status(), fmt.Sprint(c.ExitCode), fmt.Sprint(c.Required), excerpt(c.Output)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}

	var summary strings.Builder
	summary.WriteString("# Executive Summary\n\n")
	fmt.Fprintf(&summary, "**Generated (UTC)**: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&summary, "**Run key**: `%s`\n\n", res.RunKey)
	fmt.Fprintf(&summary, "## Release recommendation: **%s**\n", res.Recommendation)
	fmt.Fprintf(&summary, "Confidence: **%s**\n\n", res.Confidence)
	summary.WriteString("### Blockers\n")
	if len(res.BlockedReasons) == 0 {
		summary.WriteString("- (none)\n")
	}
	for _, reason := range res.BlockedReasons {
		fmt.Fprintf(&summary, "- %s\n", reason)
	}
	summary.WriteString("\n### Checks\n")
	for _, name := range sortedNames(res.Checks) {
		c := res.Checks[name]
		req := ""
		if c.Required {
			req = " (required)"
		}
		fmt.Fprintf(&summary, "- `%s`%s: %s\n", name, req, c.Status())
	}

	var index strings.Builder
	index.WriteString("# Review Pack Index\n\n")
	fmt.Fprintf(&index, "**Generated (UTC)**: %s\n\n", now.Format(time.RFC3339))
	index.WriteString("## Files\n")
	index.WriteString("- `Executive_Summary.md`\n- `Findings.csv`\n- `run.json`\n- `SHA256SUMS.txt`\n- `Evidence/` (raw check output)\n")

	for name, content := range map[string]string{
		"Findings.csv":         csvBuf.String(),
		"Executive_Summary.md": summary.String(),
		"REVIEW_PACK.md":       index.String(),
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) writeRunJSON(dir string, res *Result, now time.Time, overrideRel string) error {
	blockers := make([]betarun.Blocker, 0, len(res.BlockedReasons))
	for _, reason := range res.BlockedReasons {
		blockers = append(blockers, PMReason(reason))
	}
	_, notRun := betarun.Confidence(res.Checks)
	var top []map[string]any
	for _, name := range sortedNames(res.Checks) {
		c := res.Checks[name]
		if c.Status() == "PASS" {
			continue
		}
		sev := "MEDIUM"
		if c.Required && c.Status() == "FAIL" {
			sev = "HIGH"
		}
		top = append(top, map[string]any{"severity": sev, "tool": name, "title": excerpt(c.Output), "file": "", "line": ""})
	}
	slices.SortStableFunc(top, func(a, b map[string]any) int {
		return cmp.Compare(fmt.Sprint(a["severity"]), fmt.Sprint(b["severity"]))
	})
	if len(top) > 3 {
		top = top[:3]
	}
	if top == nil {
		top = []map[string]any{}
	}
	meta := map[string]any{
		"schema":            Schema,
		"run_id":            res.RunID,
		"run_key":           res.RunKey,
		"scenario":          scenario,
		"generated_at_utc":  now.Format(time.RFC3339),
		"recommendation":    res.Recommendation,
		"confidence":        res.Confidence,
		"not_run":           notRun,
		"blocked_reasons":   res.BlockedReasons,
		"pm_blockers":       blockers,
		"checks":            res.Checks,
		"top_findings":      top,
		"override_required": res.OverrideRequired,
		"override_artifact": "gados-project/" + overrideRel,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run.json: %w", err)
	}
	return nil
}

func renderDecision(res *Result, now time.Time, overrideRel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Code Review Factory decision\n\n", res.RunID)
	fmt.Fprintf(&b, "**Generated (UTC)**: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Scenario**: %s\n\n", scenario)
	fmt.Fprintf(&b, "## Decision: **%s**\nConfidence: **%s**\n\n", res.Recommendation, res.Confidence)
	b.WriteString("## PM summary (plain language)\n")
	switch res.Recommendation {
	case betarun.NoGo:
		for _, reason := range res.BlockedReasons {
			bl := PMReason(reason)
			fmt.Fprintf(&b, "- **BLOCKER**: %s (**Owner**: %s)\n", bl.PMSummary, bl.Owner)
		}
	case betarun.GoWithExceptions:
		b.WriteString("- Release allowed with explicit Human Authority override on file.\n")
	default:
		b.WriteString("- No blockers detected by automated gates.\n")
	}
	b.WriteString("\n## Evidence\n")
	fmt.Fprintf(&b, "- Review pack folder: `gados-project/%s`\n", res.RunRelDir)
	fmt.Fprintf(&b, "- Findings: `gados-project/%s/Findings.csv`\n", res.RunRelDir)
	fmt.Fprintf(&b, "- SHA256SUMS: `gados-project/%s/%s`\n\n", res.RunRelDir, betarun.SumsFile)
	b.WriteString("## Human override (required to bypass NO-GO)\n")
	fmt.Fprintf(&b, "- Create: `gados-project/%s`\n", overrideRel)
	b.WriteString("- Must include `Decision: OVERRIDE` and `Approved by:` (name/date).\n")
	return b.String()
}

// ErrBlocked is returned by callers that turn a NO-GO into a failure.
var ErrBlocked = errors.New("review blocked: NO-GO without override")
